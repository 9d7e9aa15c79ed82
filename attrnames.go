package apkinsight

import (
	_ "embed"
	"encoding/json"
	"strconv"
	"sync"
)

//go:embed attrnames.json
var attrNamesJSON []byte

// frameworkAttrNames maps framework attribute resource IDs (android.R.attr)
// to their names, built once on first use from the embedded JSON table
// (spec §6's "static asset"). It is consulted only when a StartElement's
// name index, or one of its attributes' name indices, resolves to an
// empty or absent string-pool entry
// (spec §4.4), which is the case for most obfuscated/minified APKs that
// strip the attribute name strings but keep the numeric IDs.
var (
	frameworkAttrNamesOnce sync.Once
	frameworkAttrNames     map[uint32]string
)

func loadFrameworkAttrNames() {
	var raw map[string]string
	if err := json.Unmarshal(attrNamesJSON, &raw); err != nil {
		frameworkAttrNames = map[uint32]string{}
		return
	}
	frameworkAttrNames = make(map[uint32]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 0, 32)
		if err != nil {
			continue
		}
		frameworkAttrNames[uint32(id)] = v
	}
}

// lookupFrameworkAttrName resolves a resource id against the embedded
// framework attribute table.
func lookupFrameworkAttrName(id uint32) (string, bool) {
	frameworkAttrNamesOnce.Do(loadFrameworkAttrNames)
	name, ok := frameworkAttrNames[id]
	return name, ok
}
