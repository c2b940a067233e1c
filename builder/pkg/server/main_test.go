package server

import (
	"context"
	"os"
	"testing"

	pgtesting "github.com/statvault/cube/builder/pkg/postgres/testing"
	cubetesting "github.com/statvault/cube/utils/pkg/testing"
)

var sharedDB *pgtesting.DB

func TestMain(m *testing.M) {
	log := cubetesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
