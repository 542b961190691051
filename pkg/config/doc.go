// Package config loads aaactl configuration from AAACTL_* environment
// variables and applies the YAML seed.
//
// # Environment
//
//	AAACTL_DATABASE_URL="postgres://localhost/aaactl"  # empty: in-memory stores
//	AAACTL_REDIS_URL="redis://localhost:6379/0"        # empty: process-local task locks
//	AAACTL_TASK_WORKERS="4"
//	AAACTL_BILLING_SCHEDULE="0 3 * * *"
//	AAACTL_STRIPE_SECRET_KEY="sk_live_..."
//	AAACTL_BRIDGE_URLS="peerctl=https://peerctl.example,ixctl=https://ixctl.example"
//	AAACTL_BRIDGE_CLIENT_ID="aaactl"
//	AAACTL_SEED_FILE="/etc/aaactl/seed.yaml"
//	AAACTL_LOG_LEVEL="info"
//	AAACTL_OTEL_ENABLED="true"
//
// # Seed
//
// A seed declares roles, managed permissions with role auto grants, and
// product groups:
//
//	roles:
//	  - name: admin
//	    level: 100
//	managed_permissions:
//	  - namespace: "service.peerctl.{org_id}"
//	    group: peerctl
//	    managable: true
//	    auto_grant_admins: crud
//	    auto_grant_users: r
//	    roles:
//	      admin: crud
//	product_groups:
//	  - name: fullctl
//	    products:
//	      - name: peerctl.peers
//	        component: peerctl
//	        type: metered
//	        unit_price: "0.50"
//	        recurring: true
//
// Seeder.Apply is idempotent. WatchSeed re-applies the file on change.
package config
