package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
)

type memberRow struct {
	groupID, userID int64
}

type receiptRow struct {
	messageID uuid.UUID
	userID    int64
	state     ReceiptState
	at        time.Time
}

// rowBulk feeds CopyFrom from a slice of already flattened rows
type rowBulk struct {
	rows [][]interface{}
	idx  int
}

func membersBulk(rows []memberRow) pgx.CopyFromSource {
	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		values = append(values, []interface{}{r.groupID, r.userID})
	}
	return &rowBulk{rows: values, idx: -1}
}

func receiptsBulk(rows []receiptRow) pgx.CopyFromSource {
	values := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		values = append(values, []interface{}{r.messageID, r.userID, int16(r.state), r.at})
	}
	return &rowBulk{rows: values, idx: -1}
}

func (b *rowBulk) Next() bool {
	b.idx++
	return b.idx < len(b.rows)
}

func (b *rowBulk) Values() ([]interface{}, error) {
	return b.rows[b.idx], nil
}

func (b *rowBulk) Err() error {
	return nil
}
