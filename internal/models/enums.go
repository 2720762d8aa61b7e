package models

import (
	"database/sql/driver"
	"fmt"
)

// ConfidenceLevel is the data-sufficiency judgment attached to a metric.
// Every switch over it lists all three cases; adding a level must touch each one.
type ConfidenceLevel int

const (
	ConfidenceInsufficient ConfidenceLevel = iota + 1
	ConfidencePreliminary
	ConfidenceValidated
)

func (c ConfidenceLevel) String() string {
	switch c {
	case ConfidenceInsufficient:
		return "insufficient"
	case ConfidencePreliminary:
		return "preliminary"
	case ConfidenceValidated:
		return "validated"
	}
	return fmt.Sprintf("ConfidenceLevel(%d)", int(c))
}

func ParseConfidenceLevel(s string) (ConfidenceLevel, error) {
	for _, c := range []ConfidenceLevel{ConfidenceInsufficient, ConfidencePreliminary, ConfidenceValidated} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown confidence level %q", s)
}

func (c ConfidenceLevel) MarshalText() ([]byte, error) {
	if _, err := ParseConfidenceLevel(c.String()); err != nil {
		return nil, err
	}
	return []byte(c.String()), nil
}

func (c *ConfidenceLevel) UnmarshalText(b []byte) error {
	v, err := ParseConfidenceLevel(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c ConfidenceLevel) Value() (driver.Value, error) {
	return c.String(), nil
}

func (c *ConfidenceLevel) Scan(src any) error {
	return scanText(src, c.UnmarshalText)
}

// ParameterKind selects how a deviation is computed for a parameter.
type ParameterKind int

const (
	KindLinear ParameterKind = iota + 1
	KindCircular
)

func (k ParameterKind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindCircular:
		return "circular"
	}
	return fmt.Sprintf("ParameterKind(%d)", int(k))
}

func ParseParameterKind(s string) (ParameterKind, error) {
	switch s {
	case "linear":
		return KindLinear, nil
	case "circular":
		return KindCircular, nil
	}
	return 0, fmt.Errorf("unknown parameter kind %q", s)
}

func (k ParameterKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ParameterKind) UnmarshalText(b []byte) error {
	v, err := ParseParameterKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k ParameterKind) Value() (driver.Value, error) {
	return k.String(), nil
}

func (k *ParameterKind) Scan(src any) error {
	return scanText(src, k.UnmarshalText)
}

// Granularity is the calendar bucket size of a rollup.
type Granularity int

const (
	GranularityDay Granularity = iota + 1
	GranularityWeek
	GranularityMonth
)

func (g Granularity) String() string {
	switch g {
	case GranularityDay:
		return "day"
	case GranularityWeek:
		return "week"
	case GranularityMonth:
		return "month"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "day":
		return GranularityDay, nil
	case "week":
		return GranularityWeek, nil
	case "month":
		return GranularityMonth, nil
	}
	return 0, fmt.Errorf("unknown granularity %q", s)
}

func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *Granularity) UnmarshalText(b []byte) error {
	v, err := ParseGranularity(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

func (g Granularity) Value() (driver.Value, error) {
	return g.String(), nil
}

func (g *Granularity) Scan(src any) error {
	return scanText(src, g.UnmarshalText)
}

type JobStatus int

const (
	JobRunning JobStatus = iota + 1
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "success"
	case JobFailed:
		return "failed"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

func ParseJobStatus(v string) (JobStatus, error) {
	switch v {
	case "running":
		return JobRunning, nil
	case "success":
		return JobSucceeded, nil
	case "failed":
		return JobFailed, nil
	}
	return 0, fmt.Errorf("unknown job status %q", v)
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	v, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s JobStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *JobStatus) Scan(src any) error {
	return scanText(src, s.UnmarshalText)
}

func scanText(src any, unmarshal func([]byte) error) error {
	switch v := src.(type) {
	case string:
		return unmarshal([]byte(v))
	case []byte:
		return unmarshal(v)
	}
	return fmt.Errorf("cannot scan %T into enum", src)
}
