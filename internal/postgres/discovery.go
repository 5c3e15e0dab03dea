package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/storeprovider"
)

// RegistryDiscovery implements storeprovider.DatabaseDiscovery by reading
// infra.store_registry off a control-plane pool: one row per tenant store,
// refreshed by storeprovider.Dynamic on its own interval. Each discovered
// store's Conn is a *pgxpool.Pool opened against that row's dsn; pools from a
// prior Discover call are reused by store id so a refresh doesn't tear down
// healthy connections for stores that are still present.
type RegistryDiscovery struct {
	control *pgxpool.Pool
	schema  string

	pools map[string]*pgxpool.Pool
}

func NewRegistryDiscovery(control *pgxpool.Pool, schema string) *RegistryDiscovery {
	if schema == "" {
		schema = "infra"
	}
	return &RegistryDiscovery{control: control, schema: schema, pools: make(map[string]*pgxpool.Pool)}
}

func (d *RegistryDiscovery) Discover(ctx context.Context) ([]storeprovider.Store, error) {
	q := fmt.Sprintf(`SELECT store_id, dsn FROM %s.store_registry ORDER BY store_id`, d.schema)
	rows, err := d.control.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: discover stores: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []storeprovider.Store
	for rows.Next() {
		var id, dsn string
		if err := rows.Scan(&id, &dsn); err != nil {
			return nil, fmt.Errorf("postgres: scan store registry row: %w", err)
		}
		seen[id] = true
		pool, ok := d.pools[id]
		if !ok {
			pool, err = NewPool(ctx, DBConfig{DSN: dsn, SchemaName: d.schema})
			if err != nil {
				return nil, fmt.Errorf("postgres: open pool for store %q: %w", id, err)
			}
			d.pools[id] = pool
		}
		out = append(out, storeprovider.Store{ID: id, Conn: pool})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for id, pool := range d.pools {
		if !seen[id] {
			pool.Close()
			delete(d.pools, id)
		}
	}
	return out, nil
}
