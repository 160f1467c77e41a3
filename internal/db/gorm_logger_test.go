package db

import "testing"

func TestSummarizeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{"SELECT * FROM places WHERE name = ?", "SELECT", "places"},
		{"INSERT INTO reservations (token) VALUES (?)", "INSERT", "reservations"},
		{"UPDATE exporters SET stale = ? WHERE id = ?", "UPDATE", "exporters"},
		{"DELETE FROM matches WHERE place_id = ?", "DELETE", "matches"},
		{"  select *\n from  `resources` ", "SELECT", "resources"},
		{"", "", ""},
	}
	for _, c := range cases {
		op, table := summarizeSQL(c.sql)
		if op != c.op || table != c.table {
			t.Fatalf("summarizeSQL(%q) = (%q,%q), want (%q,%q)", c.sql, op, table, c.op, c.table)
		}
	}
}
