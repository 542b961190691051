package billing

import "github.com/fullctl/aaactl-sub000/pkg/storage"

// Migrations returns the billing schema. Amounts are stored in minor units.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     1,
			Description: "Create product catalog tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS product_groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS products (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					group_id BIGINT REFERENCES product_groups(id) ON DELETE SET NULL,
					component VARCHAR(255) NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					product_type VARCHAR(16) NOT NULL DEFAULT 'fixed',
					unit_price BIGINT NOT NULL DEFAULT 0,
					currency VARCHAR(3) NOT NULL DEFAULT 'USD',
					recurring BOOLEAN NOT NULL DEFAULT FALSE,
					expires_after_seconds BIGINT NOT NULL DEFAULT 0,
					replacement_id BIGINT REFERENCES products(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create subscription tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS payment_methods (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL,
					processor VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL DEFAULT '',
					status VARCHAR(16) NOT NULL DEFAULT 'ok',
					data JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_payment_methods_org ON payment_methods(org_id);

				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL,
					group_id BIGINT NOT NULL REFERENCES product_groups(id),
					status VARCHAR(16) NOT NULL DEFAULT 'ok',
					subscription_interval VARCHAR(16) NOT NULL DEFAULT 'month',
					cycle_start TIMESTAMP,
					payment_method_id BIGINT REFERENCES payment_methods(id) ON DELETE SET NULL,
					charge_type VARCHAR(16) NOT NULL DEFAULT 'end',
					currency VARCHAR(3) NOT NULL DEFAULT 'USD',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

				CREATE TABLE IF NOT EXISTS subscription_products (
					id BIGSERIAL PRIMARY KEY,
					subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					product_id BIGINT NOT NULL REFERENCES products(id),
					component_object_id BIGINT,
					component_object_name VARCHAR(255) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS subscription_product_modifiers (
					id BIGSERIAL PRIMARY KEY,
					subscription_product_id BIGINT NOT NULL REFERENCES subscription_products(id) ON DELETE CASCADE,
					modifier_type VARCHAR(16) NOT NULL,
					value DOUBLE PRECISION NOT NULL DEFAULT 0,
					valid TIMESTAMP NOT NULL,
					reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create cycle and charge tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_cycles (
					id BIGSERIAL PRIMARY KEY,
					subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					cycle_start TIMESTAMP NOT NULL,
					cycle_end TIMESTAMP NOT NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'open',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_subscription_cycles_subscription ON subscription_cycles(subscription_id);

				CREATE TABLE IF NOT EXISTS subscription_cycle_products (
					id BIGSERIAL PRIMARY KEY,
					cycle_id BIGINT NOT NULL REFERENCES subscription_cycles(id) ON DELETE CASCADE,
					subscription_product_id BIGINT NOT NULL REFERENCES subscription_products(id) ON DELETE CASCADE,
					usage DOUBLE PRECISION NOT NULL DEFAULT 0,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE (cycle_id, subscription_product_id)
				);

				CREATE TABLE IF NOT EXISTS payment_charges (
					id BIGSERIAL PRIMARY KEY,
					payment_method_id BIGINT NOT NULL REFERENCES payment_methods(id),
					processor VARCHAR(64) NOT NULL,
					price BIGINT NOT NULL,
					currency VARCHAR(3) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					status VARCHAR(16) NOT NULL DEFAULT 'pending',
					transaction_id VARCHAR(255) NOT NULL DEFAULT '',
					data JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_payment_charges_status ON payment_charges(status);

				CREATE TABLE IF NOT EXISTS subscription_cycle_charges (
					id BIGSERIAL PRIMARY KEY,
					cycle_id BIGINT NOT NULL REFERENCES subscription_cycles(id) ON DELETE CASCADE,
					charge_id BIGINT NOT NULL UNIQUE REFERENCES payment_charges(id) ON DELETE CASCADE
				);
				CREATE INDEX IF NOT EXISTS idx_subscription_cycle_charges_cycle ON subscription_cycle_charges(cycle_id);
			`,
		},
		{
			Version:     4,
			Description: "Create order history, ledger and organization product tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS order_history (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL,
					order_number VARCHAR(32) NOT NULL UNIQUE,
					charge_id BIGINT NOT NULL UNIQUE REFERENCES payment_charges(id),
					price BIGINT NOT NULL,
					currency VARCHAR(3) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					processed TIMESTAMP NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_order_history_org ON order_history(org_id);

				CREATE TABLE IF NOT EXISTS order_history_items (
					id BIGSERIAL PRIMARY KEY,
					order_id BIGINT NOT NULL REFERENCES order_history(id) ON DELETE CASCADE,
					description TEXT NOT NULL DEFAULT '',
					price BIGINT NOT NULL,
					cycle_id BIGINT REFERENCES subscription_cycles(id) ON DELETE SET NULL
				);

				CREATE TABLE IF NOT EXISTS ledger_entries (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL,
					kind VARCHAR(16) NOT NULL,
					amount BIGINT NOT NULL,
					currency VARCHAR(3) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					payment_method_id BIGINT,
					charge_id BIGINT,
					order_id BIGINT,
					item_id BIGINT,
					invoice_number VARCHAR(64),
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_ledger_entries_org ON ledger_entries(org_id);

				CREATE TABLE IF NOT EXISTS organization_products (
					id BIGSERIAL PRIMARY KEY,
					org_id BIGINT NOT NULL,
					product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
					subscription_id BIGINT REFERENCES subscriptions(id) ON DELETE SET NULL,
					expires TIMESTAMP,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE (org_id, product_id)
				);
				CREATE INDEX IF NOT EXISTS idx_organization_products_expires ON organization_products(expires)
					WHERE expires IS NOT NULL;
			`,
		},
	}
}
