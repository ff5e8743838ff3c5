package mirror

import (
	"fmt"
	"strings"
)

// BuildStoreFromDSN picks a mirror store from a DSN string:
//
//	postgres://... or postgresql://...  -> PostgresStore
//	file:///path or a bare path         -> DirStore
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty mirror DSN")
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(dsn)
	case strings.HasPrefix(dsn, "file://"):
		return NewDirStore(DirStoreOptions{Dir: strings.TrimPrefix(dsn, "file://")})
	default:
		return NewDirStore(DirStoreOptions{Dir: dsn})
	}
}
