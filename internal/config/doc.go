/*
Package config provides configuration management for SeaFS.

Configuration is assembled from three sources with increasing precedence:
compiled-in defaults (NewDefault), a YAML file (LoadFromFile) and SEA_*
environment variables (LoadFromEnv). Command-line flags are applied last by
cmd/seafs. Validate must be called before the configuration is used; it also
resolves the whitelist and blacklist into normalized path lists.

# Example

	storage:
	  backing_root: /lustre/project/run42
	  mount_point: /tmp/sea
	  tiers: [memory, ssd, shared]
	  whitelist: /etc/seafs/whitelist.txt
	placement:
	  safety_margin: 16MiB
	  budget_env: SLURM_MEM_PER_NODE
	daemons:
	  flush_interval: 5s
	  evict_interval: 20s
	  pressure_interval: 5s
	  memory_threshold: 60

# Lists

The whitelist and blacklist accept either a YAML sequence of absolute paths or a
single string naming a file with one directory per line. Every non-blank,
non-comment line of such a file must name an existing directory; anything else
is a configuration error and the process exits before mounting.

# Memory budget

The memory tier is capped by a budget taken from memory_budget, or failing that
from the environment variable named by budget_env. A bare number there is read
as MiB, matching the SLURM_MEM_PER_NODE convention. Without either the memory
tier is limited only by the free space its filesystem reports.
*/
package config
