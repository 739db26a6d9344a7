package settlement

// PoolKeyPrefix names the ledger keys that hold pending secondary
// transactions.
const PoolKeyPrefix = "secondary_tx_"

// MaxPoolID bounds the random part of a pool key.
const MaxPoolID = 1_000_000_000_000

const leaseName = "settlement"
