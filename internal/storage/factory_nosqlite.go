//go:build !sqlite

package storage

import "layerguard/internal/model"

func newSQLiteStore(_ string) (Store, error) {
	return nil, model.Configf("sqlite backend unavailable in this build; rebuild with -tags sqlite")
}
