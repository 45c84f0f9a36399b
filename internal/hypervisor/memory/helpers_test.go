package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/pmm"
	"github.com/e2b-dev/infra/packages/guestmem/internal/hypervisor/vmo"
	"github.com/e2b-dev/infra/packages/guestmem/internal/testutils"
)

const page = hostarch.PageSize

type testEnv struct {
	arena  *pmm.Arena
	direct *DirectPhysicalAddressSpace
	space  *GuestPhysicalAddressSpace
}

func newTestEnv(t *testing.T, arenaPages, guestPages uint64) *testEnv {
	t.Helper()

	ctx := context.Background()
	log := testutils.NewTestLogger(t)

	arena, err := pmm.New(arenaPages * page)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = arena.Close()
	})

	direct, err := NewDirect(ctx, arena, WithLogger(log))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = direct.Close()
	})

	space, err := NewGuest(ctx, guestPages*page, arena, WithLogger(log), WithFaultTrace(true))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = space.Close(context.Background())
	})

	return &testEnv{
		arena:  arena,
		direct: direct,
		space:  space,
	}
}

func (e *testEnv) newObject(t *testing.T, name string, pages uint64, opts ...vmo.Option) *vmo.Object {
	t.Helper()

	obj, err := vmo.New(name, pages*page, e.arena, e.direct, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = obj.Close(context.Background())
	})

	return obj
}

// hostPage returns the host page the guest page is translated to.
func (e *testEnv) hostPage(t *testing.T, gpa hostarch.Addr) hostarch.Addr {
	t.Helper()

	pa, _, ok := e.space.Aspace().Lookup(gpa)
	require.True(t, ok, "no translation for %s", gpa)

	return pa
}
