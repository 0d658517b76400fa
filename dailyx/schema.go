package dailyx

// schemaSQL is portable between SQLite and Postgres. Statements are applied
// one at a time by Migrate.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS dailyx_sessions (
    id             VARCHAR(128) PRIMARY KEY,
    user_id        VARCHAR(128) NOT NULL,
    coordinator_id VARCHAR(128) NOT NULL,
    timezone       VARCHAR(64)  NOT NULL,
    status         VARCHAR(16)  NOT NULL,
    started_at     TIMESTAMP    NOT NULL,
    deadline_at    TIMESTAMP    NOT NULL,
    window_seconds BIGINT       NOT NULL,
    ended_at       TIMESTAMP    NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS dailyx_sessions_one_running
    ON dailyx_sessions (user_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS dailyx_session_steps (
    session_id   VARCHAR(128) NOT NULL,
    step         VARCHAR(255) NOT NULL,
    payload_json TEXT         NOT NULL,
    recorded_at  TIMESTAMP    NOT NULL,
    PRIMARY KEY (session_id, step)
);

CREATE TABLE IF NOT EXISTS dailyx_tasks (
    id               VARCHAR(128) PRIMARY KEY,
    user_id          VARCHAR(128) NOT NULL,
    session_id       VARCHAR(128) NOT NULL,
    description      TEXT         NOT NULL,
    capabilities     TEXT         NOT NULL,
    depends_on       TEXT         NOT NULL,
    status           VARCHAR(32)  NOT NULL,
    worker_id        VARCHAR(128) NULL,
    created_at       TIMESTAMP    NOT NULL,
    started_at       TIMESTAMP    NULL,
    ended_at         TIMESTAMP    NULL,
    output           TEXT         NULL,
    error_msg        TEXT         NULL,
    retry_count      INTEGER      NOT NULL DEFAULT 0,
    next_eligible_at TIMESTAMP    NULL,
    last_progress_at TIMESTAMP    NULL,
    progress_percent INTEGER      NOT NULL DEFAULT 0,
    updated_at       TIMESTAMP    NOT NULL,
    attempt_started_at TIMESTAMP  NULL
);
CREATE INDEX IF NOT EXISTS dailyx_tasks_user_status ON dailyx_tasks (user_id, status);
CREATE INDEX IF NOT EXISTS dailyx_tasks_user_created ON dailyx_tasks (user_id, created_at);
CREATE INDEX IF NOT EXISTS dailyx_tasks_session_status ON dailyx_tasks (session_id, status);

CREATE TABLE IF NOT EXISTS dailyx_task_failures (
    task_id     VARCHAR(128) NOT NULL,
    seq         INTEGER      NOT NULL,
    kind        VARCHAR(16)  NOT NULL,
    reason      VARCHAR(64)  NOT NULL,
    error_msg   TEXT         NOT NULL,
    occurred_at TIMESTAMP    NOT NULL,
    PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS dailyx_shared_state (
    session_id VARCHAR(128) NOT NULL,
    writer_id  VARCHAR(128) NOT NULL,
    state_key  VARCHAR(255) NOT NULL,
    value_json TEXT         NOT NULL,
    updated_at TIMESTAMP    NOT NULL,
    PRIMARY KEY (session_id, writer_id, state_key)
);

CREATE TABLE IF NOT EXISTS dailyx_task_history (
    id           VARCHAR(128) PRIMARY KEY,
    user_id      VARCHAR(128) NOT NULL,
    session_id   VARCHAR(128) NOT NULL,
    description  TEXT         NOT NULL,
    capabilities TEXT         NOT NULL,
    depends_on   TEXT         NOT NULL,
    status       VARCHAR(32)  NOT NULL,
    worker_id    VARCHAR(128) NULL,
    created_at   TIMESTAMP    NOT NULL,
    started_at   TIMESTAMP    NULL,
    ended_at     TIMESTAMP    NULL,
    output       TEXT         NULL,
    error_msg    TEXT         NULL,
    retry_count  INTEGER      NOT NULL DEFAULT 0,
    archived_at  TIMESTAMP    NOT NULL
);
CREATE INDEX IF NOT EXISTS dailyx_task_history_user_archived ON dailyx_task_history (user_id, archived_at)
`

// schemaUpgrades add columns to tables created by earlier versions. A
// duplicate column error means the upgrade already ran.
var schemaUpgrades = []string{
	`ALTER TABLE dailyx_tasks ADD COLUMN attempt_started_at TIMESTAMP NULL`,
}
