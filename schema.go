package txkv

import "fmt"

// Region and system table naming. Index storage region names derive
// deterministically from the index name so they can be rediscovered without
// a separate name registry.
const (
	indexNodeRegionPrefix = "__index_nodes_"
	indexPtrRegionPrefix  = "__index_ptrs_"

	catalogTableName = "__tables"
	txLogTableName   = "__txlog"
	counterTableName = "__counter"
)

func indexNodeRegionName(indexName string) string {
	return indexNodeRegionPrefix + indexName
}

func indexPtrRegionName(indexName string) string {
	return indexPtrRegionPrefix + indexName
}

// FieldDef declares one schema field.
type FieldDef struct {
	Name    string    `msgpack:"n"`
	Type    FieldType `msgpack:"t"`
	NotNull bool      `msgpack:"r"`
}

// IndexDef declares a secondary index over an ordered list of schema fields.
type IndexDef struct {
	Name   string   `msgpack:"n"`
	Fields []string `msgpack:"f"`
}

// Schema is the ordered field and index declaration of a table. Build it
// once with AddField/AddIndex; it is immutable after the table is created.
type Schema struct {
	fields  []FieldDef
	byName  map[string]int
	indexes []IndexDef
}

func NewSchema() *Schema {
	return &Schema{byName: make(map[string]int)}
}

func (s *Schema) AddField(name string, typ FieldType, notNull bool) *Schema {
	if _, ok := s.byName[name]; ok {
		panic(fmt.Errorf("txkv: schema already has field %q", name))
	}
	if typ == TypeNone || typ == TypeNull || typ > maxFieldType {
		panic(fmt.Errorf("txkv: %v is not a valid declared field type", typ))
	}
	s.byName[name] = len(s.fields)
	s.fields = append(s.fields, FieldDef{Name: name, Type: typ, NotNull: notNull})
	return s
}

func (s *Schema) AddIndex(name string, fieldNames ...string) *Schema {
	for _, idx := range s.indexes {
		if idx.Name == name {
			panic(fmt.Errorf("txkv: schema already has index %q", name))
		}
	}
	if len(fieldNames) == 0 {
		panic(fmt.Errorf("txkv: index %q has no fields", name))
	}
	for _, fn := range fieldNames {
		if _, ok := s.byName[fn]; !ok {
			panic(fmt.Errorf("txkv: index %q refers to unknown field %q", name, fn))
		}
	}
	s.indexes = append(s.indexes, IndexDef{Name: name, Fields: fieldNames})
	return s
}

func (s *Schema) NumFields() int {
	return len(s.fields)
}

func (s *Schema) FieldID(name string) (int, bool) {
	id, ok := s.byName[name]
	return id, ok
}

func (s *Schema) fieldDef(id int) FieldDef {
	return s.fields[id]
}

func (s *Schema) Indexes() []IndexDef {
	return s.indexes
}

// indexFieldIDs resolves an index's declared field names to schema ids.
func (s *Schema) indexFieldIDs(idx IndexDef) []int {
	ids := make([]int, len(idx.Fields))
	for i, fn := range idx.Fields {
		id, ok := s.byName[fn]
		if !ok {
			panic(fmt.Errorf("txkv: index %q refers to unknown field %q", idx.Name, fn))
		}
		ids[i] = id
	}
	return ids
}

// schemaRecord is the msgpack catalog representation of a table, stored in
// the __tables system table keyed by table id.
type schemaRecord struct {
	Name    string     `msgpack:"n"`
	Fields  []FieldDef `msgpack:"f"`
	Indexes []IndexDef `msgpack:"i"`
}

func (s *Schema) record(tableName string) schemaRecord {
	return schemaRecord{Name: tableName, Fields: s.fields, Indexes: s.indexes}
}

func schemaFromRecord(rec schemaRecord) *Schema {
	s := NewSchema()
	for _, f := range rec.Fields {
		s.AddField(f.Name, f.Type, f.NotNull)
	}
	for _, idx := range rec.Indexes {
		s.AddIndex(idx.Name, idx.Fields...)
	}
	return s
}

// Table is the runtime handle of an opened or created table. Immutable;
// shared by every transaction on the same client.
type Table struct {
	id     TableID
	name   string
	schema *Schema
}

func (tbl *Table) ID() TableID     { return tbl.id }
func (tbl *Table) Name() string    { return tbl.name }
func (tbl *Table) Schema() *Schema { return tbl.schema }
