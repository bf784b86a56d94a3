package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// MintableABI is the minimal ABI of a mintable ERC-20 token.
const MintableABI = `[{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

// gasBufferPct is added on top of the node's gas estimate.
const gasBufferPct = 20

// Backend is the subset of *ethclient.Client used by EVMGateway.
type Backend interface {
	bind.DeployBackend
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMGateway mints by sending signed mint(address,uint256) transactions.
type EVMGateway struct {
	backend      Backend
	contractAddr common.Address
	abi          abi.ABI
	privateKey   *ecdsa.PrivateKey
	minterAddr   common.Address
	signer       types.Signer
	log          logrus.FieldLogger

	// sendMu serializes nonce allocation and broadcast for the minter key.
	sendMu sync.Mutex
}

// DialEVMGateway connects to rpcURL and builds a gateway.
func DialEVMGateway(rpcURL, contractAddr, minterPrivateKey string, chainID int64, log logrus.FieldLogger) (*EVMGateway, func(), error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	gw, err := NewEVMGateway(client, contractAddr, minterPrivateKey, chainID, log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return gw, client.Close, nil
}

// NewEVMGateway builds a gateway over an existing backend.
func NewEVMGateway(backend Backend, contractAddr, minterPrivateKey string, chainID int64, log logrus.FieldLogger) (*EVMGateway, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddr)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(minterPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid minter private key: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(MintableABI))
	if err != nil {
		return nil, fmt.Errorf("failed to load token ABI: %w", err)
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	return &EVMGateway{
		backend:      backend,
		contractAddr: common.HexToAddress(contractAddr),
		abi:          tokenABI,
		privateKey:   privateKey,
		minterAddr:   crypto.PubkeyToAddress(privateKey.PublicKey),
		signer:       types.NewEIP155Signer(big.NewInt(chainID)),
		log:          log,
	}, nil
}

// MinterAddress returns the address derived from the minter key.
func (g *EVMGateway) MinterAddress() string {
	return g.minterAddr.Hex()
}

// Mint sends a mint transaction and blocks until it is mined or ctx expires.
func (g *EVMGateway) Mint(ctx context.Context, wallet string, amount *big.Int) (*MintReceipt, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("invalid wallet address: %s", wallet)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("mint amount must be positive")
	}

	data, err := g.abi.Pack("mint", common.HexToAddress(wallet), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack mint call: %w", err)
	}

	signedTx, err := g.send(ctx, data)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"tx_hash": signedTx.Hash().Hex(),
		"wallet":  wallet,
		"amount":  amount.String(),
	}

	receipt, err := bind.WaitMined(ctx, g.backend, signedTx)
	if err != nil {
		g.log.WithFields(fields).WithError(err).Warn("Mint not confirmed")
		return nil, &PendingError{TxHash: signedTx.Hash().Hex(), Err: err}
	}

	result := &MintReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		g.log.WithFields(fields).Error("Mint transaction reverted")
		return nil, fmt.Errorf("%w: %s", ErrReverted, result.TxHash)
	}

	fields["block_number"] = result.BlockNumber
	fields["gas_used"] = result.GasUsed
	g.log.WithFields(fields).Info("Mint confirmed")
	return result, nil
}

// send estimates, signs and broadcasts a call to the token contract.
func (g *EVMGateway) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	gasLimit, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: g.minterAddr,
		To:   &g.contractAddr,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gasLimit += gasLimit * gasBufferPct / 100

	nonce, err := g.backend.PendingNonceAt(ctx, g.minterAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, g.contractAddr, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, g.signer, g.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	g.log.WithFields(logrus.Fields{
		"tx_hash":   signedTx.Hash().Hex(),
		"gas_limit": gasLimit,
		"gas_price": gasPrice.String(),
		"nonce":     nonce,
	}).Info("Submitting mint transaction")

	if err := g.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx, nil
}

var _ MintGateway = (*EVMGateway)(nil)
