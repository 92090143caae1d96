package main

import (
	"fmt"

	storageeng "github.com/preservd/preservd/engine/storage"
	storageengdiskv "github.com/preservd/preservd/engine/storage/diskv"
	storageenginmem "github.com/preservd/preservd/engine/storage/inmem"
	storageengmysql "github.com/preservd/preservd/engine/storage/mysql"

	_ "github.com/go-sql-driver/mysql"
)

func parseStorage(name, dsn string) (storageeng.AllStorage, error) {
	switch name {
	case "inmem":
		return storageenginmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storageengdiskv.New(dsn), nil
	case "mysql":
		return storageengmysql.New(storageengmysql.WithDSN(dsn))
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
