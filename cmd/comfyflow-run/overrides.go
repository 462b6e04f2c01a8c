package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// overrideFlags collects repeated -set node.input=value flags.
type overrideFlags map[string]map[string]any

func (o overrideFlags) String() string {
	var parts []string
	for node, inputs := range o {
		for input, v := range inputs {
			parts = append(parts, fmt.Sprintf("%s.%s=%v", node, input, v))
		}
	}
	return strings.Join(parts, ",")
}

// Set parses one override. The value is read as JSON when it parses as JSON
// and kept as a plain string otherwise, so -set 6.text=fox needs no quoting.
func (o overrideFlags) Set(s string) error {
	target, raw, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("override %q: want node.input=value", s)
	}
	node, input, ok := strings.Cut(target, ".")
	if !ok || node == "" || input == "" {
		return fmt.Errorf("override %q: want node.input=value", s)
	}

	if o[node] == nil {
		o[node] = make(map[string]any)
	}
	o[node][input] = parseValue(raw)
	return nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}
