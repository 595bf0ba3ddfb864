package domain

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// The cursor index must cover (created_at, id) so keyset pagination stays an
// index scan on every dialect, not only where the SQL migrations run.
func TestAutoMigrate_CursorIndexColumns(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&BusinessEvent{}))

	var cols []struct {
		Seqno int
		Cid   int
		Name  string
	}
	require.NoError(t, db.Raw("PRAGMA index_info('idx_events_cursor')").Scan(&cols).Error)

	require.Len(t, cols, 2)
	assert.Equal(t, "created_at", cols[0].Name)
	assert.Equal(t, "id", cols[1].Name)
}
