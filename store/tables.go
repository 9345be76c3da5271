package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rqlite/sql"
)

const defaultQueryCacheSize = 256

// WatchedTables parses a SELECT and returns every table it reads from,
// including tables referenced by joins and subqueries. Names are returned
// sorted and de-duplicated. CTE names may appear; callers resolve names
// against the catalog and skip what is not a table.
func WatchedTables(query string) ([]string, error) {
	parser := sql.NewParser(strings.NewReader(query))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, fmt.Errorf("failed to parse watched query: %w", err)
	}

	if _, ok := stmt.(*sql.SelectStatement); !ok {
		return nil, fmt.Errorf("only SELECT statements can be watched, got %T", stmt)
	}

	collector := &tableCollector{seen: make(map[string]struct{})}
	sql.Walk(collector, stmt)

	tables := make([]string, 0, len(collector.seen))
	for name := range collector.seen {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	if len(tables) == 0 {
		return nil, fmt.Errorf("watched query does not read from any table")
	}

	return tables, nil
}

// tableCollector implements sql.Visitor collecting table references
type tableCollector struct {
	seen map[string]struct{}
}

func (c *tableCollector) Visit(node sql.Node) (sql.Visitor, sql.Node, error) {
	if n, ok := node.(*sql.QualifiedTableName); ok {
		if name := sql.IdentName(n.Name); name != "" {
			c.seen[name] = struct{}{}
		}
	}
	return c, node, nil
}

func (c *tableCollector) VisitEnd(node sql.Node) (sql.Node, error) {
	return node, nil
}

// tableCache memoises WatchedTables keyed by the xxhash of the query text
type tableCache struct {
	cache *lru.Cache[uint64, []string]
}

func newTableCache(size int) (*tableCache, error) {
	if size <= 0 {
		size = defaultQueryCacheSize
	}
	cache, err := lru.New[uint64, []string](size)
	if err != nil {
		return nil, err
	}
	return &tableCache{cache: cache}, nil
}

func (c *tableCache) lookup(query string) ([]string, error) {
	key := xxhash.Sum64String(query)
	if tables, ok := c.cache.Get(key); ok {
		return tables, nil
	}

	tables, err := WatchedTables(query)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, tables)
	return tables, nil
}
