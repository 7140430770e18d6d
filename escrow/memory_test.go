package escrow_test

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"disputeflow/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	vault = common.HexToAddress("0x0000000000000000000000000000000000000e5c")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func TestMemoryTokenTransfer(t *testing.T) {
	ctx := context.Background()
	tok := escrow.NewMemoryToken()
	require.NoError(t, tok.Mint(vault, big.NewInt(100)))

	require.NoError(t, tok.Transfer(ctx, vault, alice, big.NewInt(60)))
	err := tok.Transfer(ctx, vault, alice, big.NewInt(41))
	require.ErrorIs(t, err, escrow.ErrInsufficientBalance)

	bal, err := tok.BalanceOf(ctx, vault)
	require.NoError(t, err)
	require.Equal(t, "40", bal.String())
	bal, err = tok.BalanceOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "60", bal.String())

	transfers := tok.Transfers()
	require.Len(t, transfers, 2)
	require.Equal(t, alice, transfers[1].To)
}

func TestMemoryTokenRejectsNegative(t *testing.T) {
	tok := escrow.NewMemoryToken()
	require.ErrorIs(t, tok.Transfer(context.Background(), vault, alice, big.NewInt(-1)), escrow.ErrInvalidAmount)
	require.ErrorIs(t, tok.Mint(vault, nil), escrow.ErrInvalidAmount)
}

func TestMemoryTokenBalanceIsCopy(t *testing.T) {
	ctx := context.Background()
	tok := escrow.NewMemoryToken()
	require.NoError(t, tok.Mint(vault, big.NewInt(5)))
	bal, err := tok.BalanceOf(ctx, vault)
	require.NoError(t, err)
	bal.SetInt64(1000)
	again, err := tok.BalanceOf(ctx, vault)
	require.NoError(t, err)
	require.Equal(t, int64(5), again.Int64())
}

func TestMemoryTokenConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	tok := escrow.NewMemoryToken()
	require.NoError(t, tok.Mint(vault, big.NewInt(10)))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Transfer(ctx, vault, alice, big.NewInt(1)) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
}

func TestMemoryCollateral(t *testing.T) {
	ctx := context.Background()
	c := escrow.NewMemoryCollateral()
	nft := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	exists, err := c.Exists(ctx, nft, big.NewInt(1))
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, c.Mint(nft, big.NewInt(1), alice))
	exists, err = c.Exists(ctx, nft, big.NewInt(1))
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = c.Exists(ctx, vault, big.NewInt(1))
	require.NoError(t, err)
	require.False(t, exists)
}
