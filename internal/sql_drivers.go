package internal

import (
	// database/sql drivers for the watermill SQL queue backend.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
