package migrations

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesOrdering(t *testing.T) {
	up, err := Files(Up)
	require.NoError(t, err)
	require.Equal(t, []string{
		"0001_orders.up.sql",
		"0002_payment_references.up.sql",
		"0003_invoices_services.up.sql",
	}, up)

	down, err := Files(Down)
	require.NoError(t, err)
	require.Equal(t, "0003_invoices_services.down.sql", down[0])
	require.Equal(t, "0001_orders.down.sql", down[len(down)-1])
}
