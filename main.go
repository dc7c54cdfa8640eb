package main

import (
	// Embed tzdata in binary, since lease expiry rendering must not depend
	// on the host zoneinfo database.
	_ "time/tzdata"

	"github.com/AdguardTeam/AdGuardDHCP/internal/cmd"
)

func main() {
	cmd.Main()
}
