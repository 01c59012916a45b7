// Package app provides the application composition layer.
//
// # Architecture Role
//
// The app package sits above the domain services and is responsible for
// composing them into a running application. It is NOT a business logic
// layer - business logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Main application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── billing/        # Credit accounts and ledger transactions
//	│   ├── pricing/        # Pricing tiers and cost breakdowns
//	│   ├── anchoring/      # Cross-chain anchor records
//	│   └── usage/          # Usage metering records
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (CreditStore, AnchorStore, etc.)
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic (ledger, pricing, anchor, metering)
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services from internal/app/services/ with their dependencies
//   - Defining storage interfaces that services depend on
//   - Providing domain models shared across services
//   - Exposing HTTP API endpoints for external access
//   - Managing application-level concerns (lifecycle, metrics)
//
// # Dependency Direction
//
// The dependency flow is:
//
//	cmd/server/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/resilience/ (breakers, retry)
//	      │
//	      ├──► internal/chain/ (per-network anchor adapters)
//	      │
//	      └──► internal/app/storage/ (persistence)
//
// # Example: Adding a New Domain
//
// When adding a new domain (e.g., "quotas"):
//
//  1. Create domain models in internal/app/domain/quotas/
//  2. Add storage interface to internal/app/storage/interfaces.go
//  3. Implement storage in internal/app/storage/postgres/ and memory/
//  4. Create service in internal/app/services/quotas/service.go
//  5. Wire service in internal/app/application.go
//  6. Add HTTP handlers in internal/app/httpapi/handler.go
package app
