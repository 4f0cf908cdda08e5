package rule

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a rules file:
//
//	rules:
//	  - id: mazu-birthday
//	    rule_version: 1
//	    lunar_month: 3
//	    lunar_day: 23
type File struct {
	Rules []Raw `yaml:"rules"`
}

// DecodeYAML reads raw rules from r. Unknown keys are rejected so that a
// typo such as "lunar_mnth" fails loudly instead of producing a rule with
// no variant.
func DecodeYAML(r io.Reader) ([]Raw, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return f.Rules, nil
}

// EncodeYAML writes rules in the layout DecodeYAML reads.
func EncodeYAML(w io.Writer, raws []Raw) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Rules: raws}); err != nil {
		return err
	}
	return enc.Close()
}
