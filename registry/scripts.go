package registry

import (
	_ "embed"

	"github.com/redis/go-redis/v9"
)

//go:embed scripts/join.lua
var joinSrc string

//go:embed scripts/pick_broker.lua
var pickBrokerSrc string

//go:embed scripts/find_or_create.lua
var findOrCreateSrc string

//go:embed scripts/find_broker.lua
var findBrokerSrc string

//go:embed scripts/health_check.lua
var healthCheckSrc string

//go:embed scripts/salvage.lua
var salvageSrc string

//go:embed scripts/fetch_for_recovery.lua
var fetchForRecoverySrc string

//go:embed scripts/destroy_worker.lua
var destroyWorkerSrc string

// scripts holds one *redis.Script per operation, each of which transparently
// runs EVALSHA against its content hash and falls back to EVAL (loading it
// into the server's script cache) on a NOSCRIPT miss.
type scripts struct {
	join             *redis.Script
	pickBroker       *redis.Script
	findOrCreate     *redis.Script
	findBroker       *redis.Script
	healthCheck      *redis.Script
	salvage          *redis.Script
	fetchForRecovery *redis.Script
	destroyWorker    *redis.Script
}

func newScripts() *scripts {
	return &scripts{
		join:             redis.NewScript(joinSrc),
		pickBroker:       redis.NewScript(pickBrokerSrc),
		findOrCreate:     redis.NewScript(findOrCreateSrc),
		findBroker:       redis.NewScript(findBrokerSrc),
		healthCheck:      redis.NewScript(healthCheckSrc),
		salvage:          redis.NewScript(salvageSrc),
		fetchForRecovery: redis.NewScript(fetchForRecoverySrc),
		destroyWorker:    redis.NewScript(destroyWorkerSrc),
	}
}
