package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	CollectionEmployees  = "employees"
	CollectionAttendance = "attendance"

	DefaultTimeLayout = "2006-01-02 15:04:05"
)

// Collection describes one paginated list endpoint of the counterparty and
// how its raw records are keyed and filtered.
type Collection struct {
	Name     string
	Path     string
	PageSize int
	// Timeout bounds a single page request.
	Timeout time.Duration
	// KeyFields are gjson paths joined with "|" into the natural key.
	KeyFields []string
	// ExcludeField/ExcludeValues drop records whose field matches one of the values.
	ExcludeField  string
	ExcludeValues []string
	// Window is the trailing period used when a run gets no explicit window.
	// Zero disables date filtering.
	Window     time.Duration
	StartParam string
	EndParam   string
	TimeLayout string
}

// Employees is the employee directory: lightweight records, large pages.
func Employees() Collection {
	return Collection{
		Name:      CollectionEmployees,
		Path:      "/personnel/api/employees/",
		PageSize:  200,
		Timeout:   15 * time.Second,
		KeyFields: []string{"id"},
	}
}

// Attendance is the punch log: record heavy and slow, small pages and a
// trailing 7-day window. Punches from virtual terminals are not staged.
func Attendance() Collection {
	return Collection{
		Name:          CollectionAttendance,
		Path:          "/iclock/api/transactions/",
		PageSize:      50,
		Timeout:       60 * time.Second,
		KeyFields:     []string{"emp_code", "punch_time", "terminal_sn"},
		ExcludeField:  "terminal_alias",
		ExcludeValues: []string{"virtual"},
		Window:        7 * 24 * time.Hour,
		StartParam:    "start_time",
		EndParam:      "end_time",
	}
}

func (c Collection) withDefaults() Collection {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.KeyFields) == 0 {
		c.KeyFields = []string{"id"}
	}
	if c.StartParam == "" {
		c.StartParam = "start_time"
	}
	if c.EndParam == "" {
		c.EndParam = "end_time"
	}
	if c.TimeLayout == "" {
		c.TimeLayout = DefaultTimeLayout
	}
	return c
}

// Validate checks the collection is usable.
func (c Collection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("collection requires a name")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("collection %s: path must start with '/'", c.Name)
	}
	return nil
}

// KeyOf builds the natural key of a raw record.
func (c Collection) KeyOf(raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", &PermanentError{Err: fmt.Errorf("collection %s: record is not valid JSON", c.Name)}
	}
	parts := make([]string, 0, len(c.KeyFields))
	for _, f := range c.KeyFields {
		v := gjson.GetBytes(raw, f)
		if !v.Exists() || v.String() == "" {
			return "", &PermanentError{Err: fmt.Errorf("collection %s: record missing key field %q", c.Name, f)}
		}
		parts = append(parts, v.String())
	}
	return strings.Join(parts, "|"), nil
}

// Excluded reports whether the exclusion rule drops raw.
func (c Collection) Excluded(raw []byte) bool {
	if c.ExcludeField == "" || len(c.ExcludeValues) == 0 {
		return false
	}
	v := gjson.GetBytes(raw, c.ExcludeField)
	if !v.Exists() {
		return false
	}
	s := v.String()
	for _, x := range c.ExcludeValues {
		if strings.EqualFold(s, x) {
			return true
		}
	}
	return false
}

// Window is an inclusive time range filter for a run.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// resolveWindow returns the explicit window or the collection's trailing default.
func (c Collection) resolveWindow(w *Window, now time.Time) (*Window, error) {
	if w != nil {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		return w, nil
	}
	if c.Window <= 0 {
		return nil, nil
	}
	return &Window{Start: now.Add(-c.Window), End: now}, nil
}
