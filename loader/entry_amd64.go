package loader

import "helios/efi"

// Main is the loader image entry point. The firmware hands it the loader's
// image handle and the system table address; everything past this line goes
// through the efi package wrappers.
func Main(imageHandle, sysTable uintptr) {
	fw := efi.NewFirmwareServices(efi.Handle(imageHandle), sysTable)
	Boot(fw, fw.CommandLine())
}
