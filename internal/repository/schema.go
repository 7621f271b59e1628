package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema creates the tables owned by the booking engine.  Unique key names
// matter: classify recognises duplicates by the words "reference" and
// "idempotency" in them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS course_sessions (
        id                   BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
        course_id            BIGINT UNSIGNED NOT NULL,
        starts_at            DATETIME NOT NULL,
        ends_at              DATETIME NOT NULL,
        venue                VARCHAR(255) NOT NULL,
        max_participants     INT UNSIGNED NOT NULL,
        current_participants INT UNSIGNED NOT NULL DEFAULT 0,
        price_cents          INT UNSIGNED NOT NULL DEFAULT 0,
        status               ENUM('SCHEDULED','CONFIRMED','CANCELLED','COMPLETED') NOT NULL DEFAULT 'SCHEDULED',
        version              BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        updated_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
        KEY idx_course_sessions_course (course_id, starts_at)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS inquiry_holds (
        id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
        session_id    BIGINT UNSIGNED NOT NULL,
        reference     VARCHAR(32) NOT NULL,
        participants  INT UNSIGNED NOT NULL,
        status        ENUM('ACTIVE','CONVERTED','EXPIRED','CANCELLED') NOT NULL DEFAULT 'ACTIVE',
        contact_name  VARCHAR(255) NOT NULL,
        contact_email VARCHAR(255) NOT NULL,
        contact_phone VARCHAR(64) NULL,
        message       TEXT NULL,
        booking_id    BIGINT UNSIGNED NULL,
        expires_at    DATETIME NOT NULL,
        created_at    DATETIME NOT NULL,
        updated_at    DATETIME NOT NULL,
        UNIQUE KEY uq_inquiry_holds_reference (reference),
        KEY idx_inquiry_holds_session (session_id, status),
        KEY idx_inquiry_holds_expiry (status, expires_at),
        CONSTRAINT fk_inquiry_holds_session FOREIGN KEY (session_id) REFERENCES course_sessions (id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS bookings (
        id                 BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
        session_id         BIGINT UNSIGNED NOT NULL,
        reference          VARCHAR(32) NOT NULL,
        participants       INT UNSIGNED NOT NULL,
        status             ENUM('PENDING','CONFIRMED','PAID','CANCELLED','EXPIRED','ATTENDED','COMPLETED') NOT NULL,
        contact_name       VARCHAR(255) NOT NULL,
        contact_email      VARCHAR(255) NOT NULL,
        contact_phone      VARCHAR(64) NULL,
        idempotency_key    VARCHAR(128) NULL,
        hold_id            BIGINT UNSIGNED NULL,
        total_amount_cents BIGINT UNSIGNED NOT NULL DEFAULT 0,
        reminder_sent_at   DATETIME NULL,
        created_at         DATETIME NOT NULL,
        updated_at         DATETIME NOT NULL,
        UNIQUE KEY uq_bookings_reference (reference),
        UNIQUE KEY uq_bookings_idempotency_key (idempotency_key),
        KEY idx_bookings_session (session_id, status),
        KEY idx_bookings_pending (status, created_at),
        CONSTRAINT fk_bookings_session FOREIGN KEY (session_id) REFERENCES course_sessions (id),
        CONSTRAINT fk_bookings_hold FOREIGN KEY (hold_id) REFERENCES inquiry_holds (id)
    ) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates missing tables.  It is safe to run on every start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
