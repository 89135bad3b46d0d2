package postgres

// Schema creates the trigger map and membership tables. The record column is
// authoritative; the other columns mirror it for indexing and the conditional
// write guards.
const Schema = `
CREATE TABLE IF NOT EXISTS trigger_states (
    trigger_group TEXT        NOT NULL,
    trigger_name  TEXT        NOT NULL,
    job_group     TEXT        NOT NULL,
    job_name      TEXT        NOT NULL,
    state         TEXT        NOT NULL,
    owner         TEXT        NOT NULL DEFAULT '',
    next_fire_at  TIMESTAMPTZ,
    last_update   TIMESTAMPTZ NOT NULL,
    version       BIGINT      NOT NULL,
    record        JSONB       NOT NULL,
    PRIMARY KEY (trigger_group, trigger_name)
);
CREATE INDEX IF NOT EXISTS trigger_states_owner_idx ON trigger_states (owner, state) WHERE owner <> '';
CREATE INDEX IF NOT EXISTS trigger_states_job_idx ON trigger_states (job_group, job_name);
CREATE INDEX IF NOT EXISTS trigger_states_due_idx ON trigger_states (next_fire_at) WHERE state = 'WAITING';
CREATE INDEX IF NOT EXISTS trigger_states_state_idx ON trigger_states (state);

CREATE TABLE IF NOT EXISTS cluster_members (
    node_id    TEXT        PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const queryGetRecord = `
SELECT record FROM trigger_states
WHERE trigger_group = $1 AND trigger_name = $2
`

const queryCreateRecord = `
INSERT INTO trigger_states
    (trigger_group, trigger_name, job_group, job_name, state, owner, next_fire_at, last_update, version, record)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (trigger_group, trigger_name) DO NOTHING
`

const querySwapRecord = `
UPDATE trigger_states
SET state = $3, owner = $4, next_fire_at = $5, last_update = $6, version = $7, record = $8
WHERE trigger_group = $1 AND trigger_name = $2
  AND version = $9 AND state = $10 AND owner = $11
`

const queryDeleteRecord = `
DELETE FROM trigger_states
WHERE trigger_group = $1 AND trigger_name = $2
  AND version = $3 AND state = $4 AND owner = $5
`

const querySelectRecords = `SELECT record FROM trigger_states WHERE `

const queryOrderByKey = ` ORDER BY trigger_group, trigger_name`

const queryJoinMember = `
INSERT INTO cluster_members (node_id, expires_at)
VALUES ($1, NOW() + $2 * INTERVAL '1 millisecond')
ON CONFLICT (node_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
`

const queryLeaveMember = `
DELETE FROM cluster_members WHERE node_id = $1
`

const queryListMembers = `
SELECT node_id FROM cluster_members
WHERE expires_at > NOW()
ORDER BY node_id
`
