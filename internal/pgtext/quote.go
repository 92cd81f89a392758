// Package pgtext implements the Postgres text conventions the encoder relies
// on: identifier quoting, boolean literals and timestamptz output.
package pgtext

import "strings"

// keywords that force quoting. Unreserved keywords are safe as bare
// identifiers and are not listed.
var keywords = map[string]struct{}{}

func init() {
	for _, set := range []string{reservedKeywords, typeFuncNameKeywords, colNameKeywords} {
		for _, kw := range strings.Fields(set) {
			keywords[kw] = struct{}{}
		}
	}
}

const reservedKeywords = `
all analyse analyze and any array as asc asymmetric both case cast check
collate column constraint create current_catalog current_date current_role
current_time current_timestamp current_user default deferrable desc distinct
do else end except false fetch for foreign from grant group having in
initially intersect into lateral leading limit localtime localtimestamp not
null offset on only or order placing primary references returning select
session_user some symmetric system_user table then to trailing true union
unique user using variadic when where window with`

const typeFuncNameKeywords = `
authorization binary collation concurrently cross current_schema freeze full
ilike inner is isnull join left like natural notnull outer overlaps right
similar tablesample verbose`

const colNameKeywords = `
between bigint bit boolean char character coalesce dec decimal exists extract
float greatest grouping inout int integer interval json json_array
json_arrayagg json_exists json_object json_objectagg json_query json_scalar
json_serialize json_table json_value least merge_action national nchar none
normalize nullif numeric out overlay position precision real row setof
smallint substring time timestamp treat trim values varchar xmlattributes
xmlconcat xmlelement xmlexists xmlforest xmlnamespaces xmlparse xmlpi xmlroot
xmlserialize xmltable`

// NeedsQuoting reports whether ident must be double-quoted to survive as an
// identifier: it is empty, contains anything but lower-case letters, digits
// and underscores, starts with a digit, or is a non-unreserved keyword.
func NeedsQuoting(ident string) bool {
	if ident == "" {
		return true
	}
	for i := 0; i < len(ident); i++ {
		ch := ident[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch == '_':
		case ch >= '0' && ch <= '9' && i > 0:
		default:
			return true
		}
	}
	_, ok := keywords[ident]
	return ok
}

// QuoteIdentifier returns ident, wrapped in double quotes with embedded
// double quotes doubled when NeedsQuoting says so.
func QuoteIdentifier(ident string) string {
	if !NeedsQuoting(ident) {
		return ident
	}
	var b strings.Builder
	b.Grow(len(ident) + 2)
	AppendQuotedIdentifier(&b, ident)
	return b.String()
}

// AppendQuotedIdentifier writes the quoted form of ident to b.
func AppendQuotedIdentifier(b *strings.Builder, ident string) {
	b.WriteByte('"')
	start := 0
	for i := 0; i < len(ident); i++ {
		if ident[i] == '"' {
			b.WriteString(ident[start : i+1])
			b.WriteByte('"')
			start = i + 1
		}
	}
	b.WriteString(ident[start:])
	b.WriteByte('"')
}

// QuoteQualifiedIdentifier joins a namespace and a name with a dot, quoting
// each part separately. An empty namespace yields just the quoted name.
func QuoteQualifiedIdentifier(namespace, name string) string {
	if namespace == "" {
		return QuoteIdentifier(name)
	}
	return QuoteIdentifier(namespace) + "." + QuoteIdentifier(name)
}
