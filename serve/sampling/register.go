// register.go wires the sampler into serve's registration variable
// (NewSamplerFunc). This init() runs when any package imports serve/sampling,
// breaking the import cycle between serve/ (interface owner) and
// serve/sampling/ (implementation).
package sampling

import "github.com/inference-sim/batchserve/serve"

func init() {
	serve.NewSamplerFunc = Factory
}
