package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/publisher"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/registers"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type entry struct {
	Name   string `json:"name" yaml:"name"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
	Suffix string `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type result struct {
	Device    string  `json:"device" yaml:"device"`
	Written   []entry `json:"written,omitempty" yaml:"written,omitempty"`
	Registers []entry `json:"registers,omitempty" yaml:"registers,omitempty"`
	Error     string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type listing struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Suffix      string `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Aggregation string `json:"aggregation" yaml:"aggregation"`
	Writable    bool   `json:"writable" yaml:"writable"`
}

func catalogListing(c *registers.Catalog) []listing {
	out := make([]listing, 0, c.Len())
	for _, r := range c.All() {
		out = append(out, listing{
			Name:        r.Name,
			Description: r.Description,
			Suffix:      r.Suffix,
			Aggregation: r.Aggregation.String(),
			Writable:    r.CanWrite(),
		})
	}
	return out
}

// display flattens enum and time values for printing
func display(v any) any {
	switch v.(type) {
	case registers.EnumValue, time.Time:
		return publisher.FormatValue(v)
	}
	return v
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch val := v.(type) {
	case []listing:
		for _, l := range val {
			mode := "ro"
			if l.Writable {
				mode = "rw"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.Name, l.Suffix, l.Aggregation, mode, l.Description)
		}
	case *result:
		for _, e := range val.Written {
			fmt.Fprintf(tw, "write %s\t%s\n", e.Name, textValue(e))
		}
		for _, e := range val.Registers {
			fmt.Fprintf(tw, "%s/%s\t%s\n", val.Device, e.Name, textValue(e))
		}
		if val.Error != "" {
			fmt.Fprintf(tw, "error:\t%s\n", val.Error)
		}
	default:
		return fmt.Errorf("can't render %T as text", v)
	}
	return nil
}

func textValue(e entry) string {
	if e.Error != "" {
		return "error: " + e.Error
	}
	return strings.TrimSpace(publisher.FormatValue(e.Value) + " " + e.Suffix)
}
