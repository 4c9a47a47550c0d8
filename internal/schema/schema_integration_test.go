//go:build integration

package schema_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgmigrator/internal/schema"
	"github.com/jfoltran/pgmigrator/internal/testutil"
)

func TestMigrator_CheckReplicaIdentity(t *testing.T) {
	srcPool := testutil.MustConnectPool(t, testutil.SourceDSN())
	dstPool := testutil.MustConnectPool(t, testutil.DestDSN())

	testutil.CreateTestTable(t, srcPool, "public", "has_pk", 1)
	t.Cleanup(func() { testutil.DropTestTable(t, srcPool, "public", "has_pk") })

	testutil.CreateTestTableNoPK(t, srcPool, "public", "no_pk")
	t.Cleanup(func() { testutil.DropTestTable(t, srcPool, "public", "no_pk") })

	testutil.CreateTestTableNoPK(t, srcPool, "public", "no_pk_full")
	t.Cleanup(func() { testutil.DropTestTable(t, srcPool, "public", "no_pk_full") })
	testutil.SetReplicaIdentity(t, srcPool, "public", "no_pk_full", "FULL")

	mgr := schema.NewMigrator(srcPool, dstPool, zerolog.Nop())
	issues, err := mgr.CheckReplicaIdentity(context.Background(),
		[]string{"public.has_pk", "public.no_pk", "public.no_pk_full"})
	if err != nil {
		t.Fatalf("CheckReplicaIdentity: %v", err)
	}

	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1: %v", len(issues), issues)
	}
	if issues[0].Table != "public.no_pk" {
		t.Fatalf("flagged table = %q, want public.no_pk", issues[0].Table)
	}
	if issues[0].Identity != "default" {
		t.Fatalf("identity = %q, want default", issues[0].Identity)
	}
}
