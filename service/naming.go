package service

import (
	"fmt"
	"regexp"
	"strings"
)

// TableRef identifies the source table of a run.
type TableRef struct {
	Dataset string
	Table   string
}

func (t TableRef) String() string {
	return t.Dataset + "." + t.Table
}

// ShardNaming derives every remote and local name used by one run from the
// project and the table reference.
type ShardNaming struct {
	project string
	ref     TableRef
}

func NewShardNaming(project string, ref TableRef) ShardNaming {
	return ShardNaming{project: project, ref: ref}
}

// Bucket is the staging bucket for the dataset. Bucket names only allow
// lower-case characters, so the whole name is lower-cased.
func (n ShardNaming) Bucket() string {
	return strings.ToLower(fmt.Sprintf("%s-%s", n.project, n.ref.Dataset))
}

// Prefix is shared by every shard object of the table.
func (n ShardNaming) Prefix() string {
	return fmt.Sprintf("%s-%s", n.ref.Dataset, n.ref.Table)
}

// OutputName is the base name of the assembled local file.
func (n ShardNaming) OutputName() string {
	return n.Prefix()
}

// URI is the wildcard destination handed to the extract job,
// e.g. gs://proj-sales/sales-orders*.gz.
func (n ShardNaming) URI(ext string) string {
	return fmt.Sprintf("gs://%s/%s*.%s", n.Bucket(), n.Prefix(), ext)
}

// Pattern returns the shard pattern for objects the extract job writes
// for this table with the given extension.
func (n ShardNaming) Pattern(ext string) ShardPattern {
	return ShardPattern{
		Prefix:    n.Prefix(),
		Extension: ext,
		re:        regexp.MustCompile("^" + regexp.QuoteMeta(n.Prefix()) + `[0-9]{12}\.` + regexp.QuoteMeta(ext) + "$"),
	}
}

// ShardPattern identifies the shards of one table structurally: a shared
// prefix, the 12 digit shard number BigQuery substitutes for the wildcard,
// and the extension.
type ShardPattern struct {
	Prefix    string
	Extension string
	re        *regexp.Regexp
}

// Match reports whether an object name belongs to the shard set. A sibling
// table such as "orders_v2" never matches "orders".
func (p ShardPattern) Match(name string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(name)
}

func (p ShardPattern) String() string {
	return p.Prefix + "*." + p.Extension
}
