package store

// schemaSQL is the full Postgres schema, applied with IF NOT EXISTS so
// Open is safe to call against an already-bootstrapped database. This
// exists so the package's own tests can stand up a database; it is not
// a migration tool and ships no versioning.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT UNIQUE,
	previous_name TEXT,
	removed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS holdings (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL REFERENCES users(id),
	asset_id    BIGINT NOT NULL REFERENCES assets(id),
	volume      NUMERIC(10,4) NOT NULL CHECK (volume <> 0),
	source      TEXT NOT NULL CHECK (source IN ('InternalTrade', 'External')),
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_holdings_user_asset ON holdings(user_id, asset_id);

CREATE TABLE IF NOT EXISTS contracts (
	id            BIGSERIAL PRIMARY KEY,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	contract_type TEXT NOT NULL CHECK (contract_type IN ('Future')),
	issuer_id     BIGINT NOT NULL REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS futures (
	contract_id       BIGINT PRIMARY KEY REFERENCES contracts(id),
	cancelled         BOOLEAN NOT NULL DEFAULT false,
	expired           BOOLEAN NOT NULL DEFAULT false,
	expires_at        TIMESTAMPTZ NOT NULL,
	volume            NUMERIC(10,4) NOT NULL CHECK (volume > 0),
	asset_id          BIGINT NOT NULL REFERENCES assets(id),
	contract_asset_id BIGINT NOT NULL REFERENCES assets(id)
);

CREATE TABLE IF NOT EXISTS orders (
	id          BIGSERIAL PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	user_id     BIGINT NOT NULL REFERENCES users(id),
	price       NUMERIC(15,8),
	asset_id    BIGINT NOT NULL REFERENCES assets(id),
	volume      NUMERIC(10,4) NOT NULL CHECK (volume > 0),
	contract_id BIGINT NOT NULL REFERENCES contracts(id),
	expires_in  INTERVAL,
	direction   TEXT NOT NULL CHECK (direction IN ('Bid', 'Ask')),
	order_type  TEXT NOT NULL CHECK (order_type IN ('MarketOrder', 'LimitOrder')),
	state       TEXT NOT NULL CHECK (state IN ('Created', 'InMarket', 'Executed', 'Cancelled')),
	executed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_orders_contract_state ON orders(contract_id, state, direction);

CREATE TABLE IF NOT EXISTS transactions (
	id           BIGSERIAL PRIMARY KEY,
	executed_at  TIMESTAMPTZ,
	contract_id  BIGINT NOT NULL REFERENCES contracts(id),
	ask_order_id BIGINT NOT NULL REFERENCES orders(id),
	bid_order_id BIGINT NOT NULL REFERENCES orders(id),
	price        NUMERIC(15,8) NOT NULL,
	asset_id     BIGINT NOT NULL REFERENCES assets(id),
	volume       NUMERIC(10,4) NOT NULL,
	UNIQUE (ask_order_id, bid_order_id)
);
`
