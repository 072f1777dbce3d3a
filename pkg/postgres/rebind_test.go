package postgres

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ?", "SELECT * FROM t WHERE a = $1"},
		{
			"INSERT INTO t (a, b, c) VALUES (?, ?, ?)",
			"INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		},
		{
			"SELECT id FROM t WHERE a = ? AND b IN (SELECT x FROM u WHERE y = ?) LIMIT ? OFFSET ?",
			"SELECT id FROM t WHERE a = $1 AND b IN (SELECT x FROM u WHERE y = $2) LIMIT $3 OFFSET $4",
		},
	}
	for _, tt := range tests {
		if got := Rebind(tt.in); got != tt.want {
			t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
