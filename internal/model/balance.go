package model

import "time"

// Balance is a user's token account, split into a spendable and a held
// component.  Exactly one row exists per user; it is created lazily on
// the first credit or reserve.  Mutations happen only inside a ledger
// transaction while the row is locked.
//
// Fields:
//  UserID    – owner of the account.
//  Available – tokens that can be spent or reserved.  Never negative
//              except under the ALLOW_NEGATIVE_BALANCE refund policy.
//  Reserved  – tokens currently held by active reservations.
//  Version   – optimistic concurrency counter, bumped on every write.
//  CreatedAt – creation timestamp.
//  UpdatedAt – last modification timestamp.
type Balance struct {
	UserID    string    // balances.user_id
	Available int64     // balances.available
	Reserved  int64     // balances.reserved
	Version   int64     // balances.version
	CreatedAt time.Time // balances.created_at
	UpdatedAt time.Time // balances.updated_at
}
