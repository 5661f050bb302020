package storage

// schemaV1 creates three tables: bso, collections (name interning) and
// user_collections (the materialised last_modified/count cache backing the
// collection cache's cold path). Adapted from syncstorage/schemas.go's
// SCHEMA_0, generalised from "one sqlite file per user" to "many users
// per shard file" by adding a user_id column to every table and its
// primary keys.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS bso (
  user_id       INTEGER NOT NULL,
  collection_id INTEGER NOT NULL,
  id            VARCHAR(64) NOT NULL,
  sortindex     INTEGER,
  payload       TEXT NOT NULL DEFAULT '',
  payload_size  INTEGER NOT NULL DEFAULT 0,
  modified      BIGINT NOT NULL,
  ttl_expire_at BIGINT,
  PRIMARY KEY (user_id, collection_id, id)
);

CREATE INDEX IF NOT EXISTS bso_modified_idx ON bso (user_id, collection_id, modified);
CREATE INDEX IF NOT EXISTS bso_sortindex_idx ON bso (user_id, collection_id, sortindex);

CREATE TABLE IF NOT EXISTS collections (
  user_id       INTEGER NOT NULL,
  collection_id INTEGER NOT NULL,
  name          VARCHAR(32) NOT NULL,
  PRIMARY KEY (user_id, collection_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS collections_name_idx ON collections (user_id, name);

CREATE TABLE IF NOT EXISTS user_collections (
  user_id       INTEGER NOT NULL,
  collection_id INTEGER NOT NULL,
  last_modified BIGINT NOT NULL DEFAULT 0,
  count         INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (user_id, collection_id)
);
`

// reservedCollections mirrors the switch in syncstorage/db.go's
// GetCollectionId: a fixed table of well-known names
// mapped to small integers to avoid a lookup on the hot path. Custom
// (client-created) collections get interned ids starting at
// firstCustomCollectionID.
var reservedCollections = map[string]int{
	"clients":   1,
	"crypto":    2,
	"forms":     3,
	"history":   4,
	"keys":      5,
	"meta":      6,
	"bookmarks": 7,
	"prefs":     8,
	"tabs":      9,
	"passwords": 10,
	"addons":    11,
}

const firstCustomCollectionID = 100

func reservedNameFor(id int) (string, bool) {
	for name, rid := range reservedCollections {
		if rid == id {
			return name, true
		}
	}
	return "", false
}
