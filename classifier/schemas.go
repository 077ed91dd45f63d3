package classifier

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// qualifiedRefRegex matches schema.identifier references, quoted or not.
// It is the fallback pass catching qualifications the structural walk does
// not descend into.
var qualifiedRefRegex = regexp.MustCompile(
	`(?:"([^"]+)"|([A-Za-z_][A-Za-z0-9_]*))\s*\.\s*(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)`)

// Schemas returns the set of schema names referenced by the statement,
// lower-cased. Two extraction passes always run and are unioned: a
// structural walk over the parsed statement tree, and a regular-expression
// pass over the raw text. When the parser rejects the statement (dialect
// extensions and the like) the regex pass alone decides.
func Schemas(statement string) map[string]struct{} {
	schemas := make(map[string]struct{})

	if tree, err := pg_query.Parse(statement); err == nil {
		walkMessage(tree.ProtoReflect(), func(m protoreflect.Message) {
			switch node := m.Interface().(type) {
			case *pg_query.RangeVar:
				if node.Schemaname != "" {
					schemas[strings.ToLower(node.Schemaname)] = struct{}{}
				}
			case *pg_query.ColumnRef:
				// schema.table.column qualification
				if len(node.Fields) >= 3 {
					if s := node.Fields[0].GetString_(); s != nil && s.Sval != "" {
						schemas[strings.ToLower(s.Sval)] = struct{}{}
					}
				}
			case *pg_query.FuncCall:
				if len(node.Funcname) >= 2 {
					if s := node.Funcname[0].GetString_(); s != nil && s.Sval != "" {
						schemas[strings.ToLower(s.Sval)] = struct{}{}
					}
				}
			}
		})
	}

	for _, match := range qualifiedRefRegex.FindAllStringSubmatch(statement, -1) {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		if name != "" {
			schemas[strings.ToLower(name)] = struct{}{}
		}
	}

	return schemas
}

// walkMessage visits every message in a protobuf tree depth first. The
// pg_query AST is protobuf-backed, so one generic walk covers every node
// kind without enumerating them.
func walkMessage(m protoreflect.Message, visit func(protoreflect.Message)) {
	visit(m)
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			// The parse tree has no map fields.
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind {
				list := v.List()
				for i := 0; i < list.Len(); i++ {
					walkMessage(list.Get(i).Message(), visit)
				}
			}
		case fd.Kind() == protoreflect.MessageKind:
			walkMessage(v.Message(), visit)
		}
		return true
	})
}
