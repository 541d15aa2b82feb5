package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// HistoryPageSize is the number of records requested per history page.
const HistoryPageSize = 10

// Pool is a named gacha history category.
type Pool struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Timestamp is a gacha timestamp. The game service sends it either as a
// JSON number or as a quoted number.
type Timestamp uint64

// UnmarshalJSON accepts both 123 and "123".
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse gachaTs %q: %w", s, err)
		}
		*t = Timestamp(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("parse gachaTs: %w", err)
	}
	*t = Timestamp(n)
	return nil
}

// HistoryRecord is one gacha pull.
type HistoryRecord struct {
	CharID   string    `json:"charId"`
	CharName string    `json:"charName"`
	GachaTs  Timestamp `json:"gachaTs"`
	IsNew    bool      `json:"isNew"`
	PoolID   string    `json:"poolId"`
	PoolName string    `json:"poolName"`
	Pos      uint      `json:"pos"` // 0 for single pulls, 0-9 inside a ten-pull
	Rarity   uint      `json:"rarity"`
}

// Cursor marks where the next history page resumes.
type Cursor struct {
	GachaTs Timestamp
	Pos     uint
}

// HistoryPage is one page of a pool's history, newest first.
type HistoryPage struct {
	Records []HistoryRecord `json:"list"`
	HasMore bool            `json:"hasMore"`
}

// Cursor returns the cursor for the page after p, taken from the last
// (oldest) record. ok is false when the page is empty.
func (p HistoryPage) Cursor() (Cursor, bool) {
	if len(p.Records) == 0 {
		return Cursor{}, false
	}
	last := p.Records[len(p.Records)-1]
	return Cursor{GachaTs: last.GachaTs, Pos: last.Pos}, true
}
