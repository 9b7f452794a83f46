package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeEscrow AccountSubType = iota
	SubTypePendingWithdrawal

	// System sub-types (one set per auction)
	SubTypeSystemAuctionPool
	SubTypeSystemPendingPayout

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalPayouts
)

var subTypeNames = map[AccountSubType]string{
	SubTypeEscrow:              "escrow",
	SubTypePendingWithdrawal:   "pending_withdrawal",
	SubTypeSystemAuctionPool:   "auction_pool",
	SubTypeSystemPendingPayout: "pending_payout",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
	SubTypeExternalPayouts:     "payouts",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// AssetUSDC is the only settlement asset.
const AssetUSDC AssetID = 1

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking.
// EntityID holds the user address, or the big-endian auction id for system accounts.
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(user common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: user,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewAuctionAccountKey creates a per-auction system account key
func NewAuctionAccountKey(auctionID uint64, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [20]byte
	binary.BigEndian.PutUint64(entityID[12:], auctionID)
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// User returns the owning address of a user-scope key.
func (k AccountKey) User() common.Address {
	return common.Address(k.EntityID)
}

// AuctionID returns the auction of a system-scope key.
func (k AccountKey) AuctionID() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[12:])
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.User().Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%d:%s:%s", k.AuctionID(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

func parseSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	assetID, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown asset in account path %q", path)
	}
	subType, ok := parseSubType(parts[len(parts)-2])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown sub-type in account path %q", path)
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 || !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		return NewUserAccountKey(common.HexToAddress(parts[1]), subType, assetID), nil
	case "system":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed system account path %q", path)
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("malformed auction id in %q: %w", path, err)
		}
		return NewAuctionAccountKey(id, subType, assetID), nil
	case "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed external account path %q", path)
		}
		return NewExternalAccountKey(subType, assetID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown scope in account path %q", path)
}
