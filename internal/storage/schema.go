package storage

const schema = `
-- Registered gathering agents and their signing keys
CREATE TABLE IF NOT EXISTS agents (
    project TEXT NOT NULL,
    name TEXT NOT NULL,
    public_key TEXT NOT NULL,
    hostname TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT '',
    registered_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (project, name)
);

-- Per-project hashing salts, written once and never regenerated
CREATE TABLE IF NOT EXISTS secrets (
    project TEXT PRIMARY KEY,
    salt TEXT NOT NULL,
    pepper TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

-- Authoritative update tracker documents, one per collector script
CREATE TABLE IF NOT EXISTS trackers (
    project TEXT NOT NULL,
    script TEXT NOT NULL,
    data BLOB NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (project, script)
);

-- Import ledger, append-only
CREATE TABLE IF NOT EXISTS imports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project TEXT NOT NULL,
    agent TEXT NOT NULL DEFAULT '',
    digest TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    message TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_imports_project ON imports(project, id DESC);
CREATE INDEX IF NOT EXISTS idx_imports_digest ON imports(project, digest, state);

-- Latest pushed health report, exploded per component
CREATE TABLE IF NOT EXISTS health (
    project TEXT NOT NULL,
    agent TEXT NOT NULL,
    component TEXT NOT NULL,
    ok INTEGER NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    reported_at DATETIME NOT NULL,
    PRIMARY KEY (project, agent, component)
);
`
