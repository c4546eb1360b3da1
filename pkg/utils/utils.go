// Package utils collects small general-purpose helpers shared across the
// kernel packages.
package utils

import (
	"bytes"
	"encoding/json"
	"io"

	yaml "github.com/jesseduffield/yaml"
)

// Max returns the maximum of two integers.
func Max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

type multiErr []error

func (m multiErr) Error() string {
	var b bytes.Buffer
	b.WriteString("encountered multiple errors:")
	for _, err := range m {
		b.WriteString("\n\t... " + err.Error())
	}
	return b.String()
}

// CloseMany closes every closer, aggregating any errors encountered.
func CloseMany(closers []io.Closer) error {
	errs := make([]error, 0, len(closers))
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return multiErr(errs)
	}
	return nil
}

// SafeTruncate truncates a string to at most limit bytes.
func SafeTruncate(str string, limit int) string {
	if len(str) > limit {
		return str[0:limit]
	}
	return str
}

// MarshalIntoYaml marshals any json-tagged data into yaml, preserving the
// structure json tags declare. Useful for structs from 3rd-party libs
// without yaml tags.
func MarshalIntoYaml(data interface{}) ([]byte, error) {
	dataJSON, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, err
	}

	// Unmarshal->Marshal hack to convert json into yaml with the original
	// key order preserved.
	var dataMirror yaml.MapSlice
	if err := yaml.Unmarshal(dataJSON, &dataMirror); err != nil {
		return nil, err
	}
	return yaml.Marshal(dataMirror)
}
