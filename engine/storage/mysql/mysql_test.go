package mysql

import (
	"os"
	"testing"

	"github.com/preservd/preservd/engine/storage"
	"github.com/preservd/preservd/engine/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("PRESERVD_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("PRESERVD_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// to test using an existing DB/DSN:
	//
	// DELETE FROM tasks;
	// DELETE FROM jobs;
	// DELETE FROM package_variables;
	// DELETE FROM packages;

	test.TestStorage(t, func() storage.AllStorage {
		for _, stmt := range []string{
			"DELETE FROM tasks;",
			"DELETE FROM jobs;",
			"DELETE FROM package_variables;",
			"DELETE FROM packages;",
		} {
			if _, err := s.db.Exec(stmt); err != nil {
				t.Fatal(err)
			}
		}
		return s
	})
}
