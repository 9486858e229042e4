package catalogue

// ParamType is the declared type of a query parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamDate    ParamType = "date"
)

// ColumnType describes the kind of scalar a result column carries.
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnInteger ColumnType = "integer"
	ColumnNumber  ColumnType = "number"
	ColumnDate    ColumnType = "date"
)

// Param declares one named parameter accepted by a query.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Rules       string    `json:"rules,omitempty"` // validator tag applied after conversion
	Description string    `json:"description,omitempty"`
}

// Column is one entry of a query's declared output schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// QueryDescriptor is the public description of a catalogued query.
type QueryDescriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []Param  `json:"params"`
	Columns     []Column `json:"columns"`
}

// ColumnNames returns the declared output column names in order.
func (d QueryDescriptor) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Param looks up a declared parameter by name.
func (d QueryDescriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func (d QueryDescriptor) clone() QueryDescriptor {
	out := d
	out.Params = append([]Param(nil), d.Params...)
	out.Columns = append([]Column(nil), d.Columns...)
	return out
}

// Template is a catalogued statement: its descriptor plus the SQL that
// implements it. SQL uses @name placeholders. DialectSQL overrides SQL for
// dialects whose syntax differs (date arithmetic, mostly).
type Template struct {
	QueryDescriptor
	SQL        string
	DialectSQL map[Dialect]string

	// Check runs after every parameter has been converted and validated.
	Check func(args map[string]any) *InvalidParameterError
}

func (t Template) sqlFor(d Dialect) string {
	if s, ok := t.DialectSQL[d]; ok {
		return s
	}
	return t.SQL
}
