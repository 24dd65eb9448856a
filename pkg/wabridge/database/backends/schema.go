package backends

// SchemaVersion is the version recorded in schema_version after Migrate.
const SchemaVersion = 1

// GetSQLiteSchema returns the SQLite schema DDL.
func GetSQLiteSchema() string {
	return `
-- One row per tenant; owned by the session manager.
CREATE TABLE IF NOT EXISTS whatsapp_sessions (
    tenant_id        TEXT PRIMARY KEY,
    state            TEXT NOT NULL DEFAULT 'PENDING',
    pairing_code     TEXT,
    phone_identity   TEXT,
    linked_at        INTEGER,
    last_activity_at INTEGER,
    created_at       INTEGER NOT NULL
);

-- Owned by the gallery application; whatsapp_enabled marks the linked event.
CREATE TABLE IF NOT EXISTS events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id        TEXT NOT NULL,
    name             TEXT NOT NULL,
    whatsapp_enabled INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_linked ON events(tenant_id, whatsapp_enabled);

CREATE TABLE IF NOT EXISTS images (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     INTEGER NOT NULL,
    path         TEXT NOT NULL UNIQUE,
    thumbnail    TEXT,
    sender_alias TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_event ON images(event_id);

CREATE TABLE IF NOT EXISTS messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id   INTEGER NOT NULL,
    tenant_id  TEXT NOT NULL,
    sender_id  TEXT NOT NULL,
    text       TEXT NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('approved', 'pending', 'hidden')),
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(event_id, created_at);

-- Append-only; read through a trailing window for rate limiting.
CREATE TABLE IF NOT EXISTS whatsapp_uploads (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    INTEGER NOT NULL,
    sender_id   TEXT NOT NULL,
    image_id    INTEGER,
    accepted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_window ON whatsapp_uploads(event_id, sender_id, accepted_at);
`
}

// GetPostgreSQLSchema returns the PostgreSQL schema DDL.
func GetPostgreSQLSchema() string {
	return `
CREATE TABLE IF NOT EXISTS whatsapp_sessions (
    tenant_id        TEXT PRIMARY KEY,
    state            TEXT NOT NULL DEFAULT 'PENDING',
    pairing_code     TEXT,
    phone_identity   TEXT,
    linked_at        BIGINT,
    last_activity_at BIGINT,
    created_at       BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id               BIGSERIAL PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    name             TEXT NOT NULL,
    whatsapp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_linked ON events(tenant_id, whatsapp_enabled);

CREATE TABLE IF NOT EXISTS images (
    id           BIGSERIAL PRIMARY KEY,
    event_id     BIGINT NOT NULL,
    path         TEXT NOT NULL UNIQUE,
    thumbnail    TEXT,
    sender_alias TEXT NOT NULL,
    size_bytes   BIGINT NOT NULL,
    created_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_images_event ON images(event_id);

CREATE TABLE IF NOT EXISTS messages (
    id         BIGSERIAL PRIMARY KEY,
    event_id   BIGINT NOT NULL,
    tenant_id  TEXT NOT NULL,
    sender_id  TEXT NOT NULL,
    text       TEXT NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('approved', 'pending', 'hidden')),
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(event_id, created_at);

CREATE TABLE IF NOT EXISTS whatsapp_uploads (
    id          BIGSERIAL PRIMARY KEY,
    event_id    BIGINT NOT NULL,
    sender_id   TEXT NOT NULL,
    image_id    BIGINT,
    accepted_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_window ON whatsapp_uploads(event_id, sender_id, accepted_at);
`
}
