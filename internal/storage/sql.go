package storage

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time TIMESTAMP NOT NULL,
    source     TEXT      NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS symbol_blocks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER   NOT NULL REFERENCES sessions (id),
    timestamp    TIMESTAMP NOT NULL,
    first_symbol INTEGER   NOT NULL,
    count        INTEGER   NOT NULL,
    symbols      BLOB      NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER   NOT NULL REFERENCES sessions (id),
    timestamp    TIMESTAMP NOT NULL,
    symbol_index INTEGER   NOT NULL,
    kind         TEXT      NOT NULL,
    data         INTEGER   NOT NULL,
    score        REAL      NOT NULL
);`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_symbol_blocks_session ON symbol_blocks (session_id, first_symbol);
CREATE INDEX IF NOT EXISTS idx_sync_events_session ON sync_events (session_id, symbol_index);`

	insertSessionSQL = `
INSERT INTO sessions (start_time,
                      source,
                      config)
VALUES (?, ?, ?)`

	selectSessionsSQL = `
SELECT id,
       start_time,
       source,
       config
FROM sessions
ORDER BY id`

	insertSymbolsSQL = `
INSERT INTO symbol_blocks (session_id,
                           timestamp,
                           first_symbol,
                           count,
                           symbols)
VALUES (?, ?, ?, ?, ?)`

	selectSymbolsSQL = `
SELECT symbols
FROM symbol_blocks
WHERE session_id = ?
ORDER BY first_symbol`

	insertSyncSQL = `
INSERT INTO sync_events (session_id,
                         timestamp,
                         symbol_index,
                         kind,
                         data,
                         score)
VALUES (?, ?, ?, ?, ?, ?)`

	selectSyncSQL = `
SELECT timestamp,
       symbol_index,
       kind,
       data,
       score
FROM sync_events
WHERE session_id = ?
ORDER BY symbol_index`
)
