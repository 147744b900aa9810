// Package postgres provides a PostgreSQL implementation of the storage
// interfaces. Vectors live in a pgvector column and are ranked in SQL.
package postgres

// Schema contains the SQL statements to create the database schema for
// PostgreSQL. It requires the pgvector extension and is idempotent.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

-- Namespaced vector records (event memories). The vector column is left
-- untyped so deployments can change embedding models; queries only compare
-- rows of the query's dimension.
CREATE TABLE IF NOT EXISTS memory_records (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    embedding vector NOT NULL,
    dimension INTEGER NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_memory_records_created ON memory_records(namespace, created_at);
CREATE INDEX IF NOT EXISTS idx_memory_records_metadata ON memory_records USING GIN (metadata);

-- Processed turn markers used by the deduplicator
CREATE TABLE IF NOT EXISTS processed_turns (
    thread_id TEXT NOT NULL,
    turn_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('claimed', 'done')),
    claimed_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    PRIMARY KEY (thread_id, turn_id)
);

-- Current schema memory per (user, schema version)
CREATE TABLE IF NOT EXISTS schema_memories (
    user_id TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    fields JSONB NOT NULL DEFAULT '{}'::jsonb,
    revision BIGINT NOT NULL,
    last_batch_key TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, schema_version)
);

-- Append-only revision history
CREATE TABLE IF NOT EXISTS schema_revisions (
    user_id TEXT NOT NULL,
    schema_version TEXT NOT NULL,
    revision BIGINT NOT NULL,
    fields JSONB NOT NULL,
    batch_key TEXT NOT NULL DEFAULT '',
    thread_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, schema_version, revision)
);
`
