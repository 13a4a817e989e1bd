// Package monitor samples host CPU, memory and accelerator memory on a
// fixed interval. The scheduler consults IsUnderLoad and LoadFactor to
// decide whether to hold off a checkpoint.
package monitor
