package main

import (
	"fmt"
	"strings"

	"github.com/OpenAgentsInc/commander/internal/model"
)

// parseInput reads "type:data", optionally followed by "@relay". Data of a
// text input may itself contain colons.
func parseInput(s string) (model.JobInput, error) {
	typ, data, ok := strings.Cut(s, ":")
	if !ok || typ == "" || data == "" {
		return model.JobInput{}, fmt.Errorf("input %q: want type:data", s)
	}
	in := model.JobInput{Type: typ, Data: data}
	if typ == "event" || typ == "job" {
		if id, relay, ok := strings.Cut(data, "@"); ok {
			in.Data, in.Relay = id, relay
		}
	}
	return in, nil
}

func parseInputs(values []string) ([]model.JobInput, error) {
	out := make([]model.JobInput, 0, len(values))
	for _, v := range values {
		in, err := parseInput(v)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, nil
}

func parseParams(values []string) ([]model.JobParam, error) {
	out := make([]model.JobParam, 0, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("param %q: want name=value", v)
		}
		out = append(out, model.JobParam{Name: name, Value: value})
	}
	return out, nil
}
