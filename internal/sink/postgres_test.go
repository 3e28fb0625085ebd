package sink

import (
	"errors"
	"strings"
	"testing"
)

func TestTableBuffer(t *testing.T) {
	b := newTableBuffer[int](3)

	b.add(1)
	b.add(2)
	if b.len() != 2 {
		t.Errorf("len = %d, want 2", b.len())
	}

	// No full signal below the batch size.
	select {
	case <-b.full():
		t.Error("full signaled below batch size")
	default:
	}

	b.add(3)
	select {
	case <-b.full():
	default:
		t.Error("full not signaled at batch size")
	}

	got := b.peek(2)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("peek = %v, want [1 2]", got)
	}
	if b.len() != 3 {
		t.Error("peek must not consume")
	}

	b.drop(2)
	if b.len() != 1 {
		t.Errorf("len after drop = %d, want 1", b.len())
	}
	if got := b.peek(5); len(got) != 1 || got[0] != 3 {
		t.Errorf("peek after drop = %v, want [3]", got)
	}

	b.drop(99) // Over-drop clamps
	if b.len() != 0 {
		t.Errorf("len = %d, want 0", b.len())
	}
}

func TestInsertSQL(t *testing.T) {
	sql := insertSQL("trades", []string{"a", "b", "c"}, "ON CONFLICT (a) DO NOTHING")
	want := "INSERT INTO trades (a, b, c) VALUES ($1, $2, $3) ON CONFLICT (a) DO NOTHING"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}

	bare := insertSQL("t", []string{"x"}, "")
	if strings.Contains(bare, "CONFLICT") {
		t.Errorf("bare insert contains conflict clause: %q", bare)
	}
}

func TestMissingColumn(t *testing.T) {
	p := NewPostgres(DefaultConfig(), nil, nil)

	provenance, platform := p.capabilities()
	if !provenance || !platform {
		t.Fatal("capabilities should start enabled")
	}

	col, ok := p.missingColumn(errors.New(`ERROR: column "is_forward_filled" of relation "orderbook_snapshots" does not exist (SQLSTATE 42703)`))
	if !ok {
		t.Fatal("provenance column error not detected")
	}
	if !strings.Contains(col, "is_forward_filled") {
		t.Errorf("col = %q, want provenance columns", col)
	}

	provenance, platform = p.capabilities()
	if provenance {
		t.Error("provenance flag not cleared")
	}
	if !platform {
		t.Error("platform flag cleared prematurely")
	}

	// Second occurrence of the same class is not "missing" again.
	if _, ok := p.missingColumn(errors.New(`column "source_timestamp" does not exist`)); ok {
		t.Error("cleared class detected twice")
	}

	if _, ok := p.missingColumn(errors.New(`column "platform" of relation "trades" does not exist`)); !ok {
		t.Error("platform column error not detected")
	}
	if _, platform = p.capabilities(); platform {
		t.Error("platform flag not cleared")
	}

	if _, ok := p.missingColumn(errors.New("connection refused")); ok {
		t.Error("non-column error misclassified")
	}
}

func TestIsFKViolation(t *testing.T) {
	if !isFKViolation(errors.New(`insert or update on table "orderbook_snapshots" violates foreign key constraint "fk_market"`)) {
		t.Error("FK violation not detected")
	}
	if isFKViolation(errors.New("timeout")) {
		t.Error("timeout misclassified as FK violation")
	}
}

func TestWritesAreNonBlocking(t *testing.T) {
	// No database and no flusher running: appends must still return
	// immediately and accumulate.
	p := NewPostgres(DefaultConfig(), nil, nil)

	for i := 0; i < 500; i++ {
		p.WriteTrade(nil)
	}
	if p.trades.len() != 500 {
		t.Errorf("buffered = %d, want 500", p.trades.len())
	}
}
