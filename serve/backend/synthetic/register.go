// register.go makes the synthetic backend available to serve.NewBackend under
// the name "synthetic". Importing this package is enough to enable it.
package synthetic

import "github.com/inference-sim/batchserve/serve"

func init() {
	serve.RegisterBackend("synthetic", New)
}
