package repository

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/bulkload/internal/core"
)

// toPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func toPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// codeToPgText maps NoCode to NULL.
func codeToPgText(c core.Code) pgtype.Text {
	if !c.Valid {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: c.Value, Valid: true}
}

// toPgUUID converts a string to pgtype.UUID.
// Returns invalid if the string is empty or not a valid UUID.
func toPgUUID(s string) pgtype.UUID {
	if s == "" {
		return pgtype.UUID{Valid: false}
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{Valid: false}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

func newPgUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

// pgUUIDToString returns "" for NULL.
func pgUUIDToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}

// toPgInt4 keeps zero as a value; counts are never NULL.
func toPgInt4(i int) pgtype.Int4 {
	return pgtype.Int4{Int32: int32(i), Valid: true}
}

// toPgLine maps a non-positive line to NULL.
func toPgLine(line int) pgtype.Int4 {
	if line <= 0 {
		return pgtype.Int4{Valid: false}
	}
	return pgtype.Int4{Int32: int32(line), Valid: true}
}

func toPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func pgTextToString(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}
