package config

import (
	"fmt"
	"os"
)

// GetDatabaseDSN returns the DSN of a shared MySQL cache server, assembled from
// DB_USER, DB_PASSWORD, DB_HOST, DB_PORT and DB_NAME when all five are set, else
// taken from DATABASE_DSN. It is only consulted for the mysql driver and only
// when no DSN was configured; the default sqlite driver keeps cache.sqlite in
// the data directory.
func GetDatabaseDSN() string {
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	database := os.Getenv("DB_NAME")

	if user != "" && password != "" && host != "" && port != "" && database != "" {
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", user, password, host, port, database)
	}

	return os.Getenv("DATABASE_DSN")
}
