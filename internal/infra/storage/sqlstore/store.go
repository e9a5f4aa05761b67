package sqlstore

import (
	"log/slog"

	"github.com/vietddude/notifyguard/internal/infra/storage"
)

// NewStore returns the repositories backed by db. Postgres databases also get
// a LISTEN/NOTIFY feed on url; sqlite has no feed and relies on polling.
func NewStore(db *DB, url string, log *slog.Logger) storage.Store {
	s := storage.Store{
		Notifications: NewNotificationRepo(db),
		Resources:     NewResourceRepo(db),
		Endpoints:     NewEndpointRepo(db),
	}
	if db.Driver() != DriverSQLite && url != "" {
		s.Feed = NewListenerFeed(url, log)
	}
	return s
}
