// Package dicomtags holds the private DICOM tag through which the pipeline
// threads the project slug from the coordinator to the anonymisation engine.
package dicomtags

// The project tag lives in a private block of group 0x000B reserved by the
// creator string below. The value is the project slug, VR LO (max 64 chars).
const (
	// ProjectNameGroup is the private group carrying the project tag.
	ProjectNameGroup uint16 = 0x000B

	// ProjectNameCreator reserves the private block.
	ProjectNameCreator = "UCLH PIXL"

	// ProjectNameElement is the element of the slug value inside the block
	// (block 0x10, offset 0x01).
	ProjectNameElement uint16 = 0x1001

	// ProjectNameNickname is the dictionary name used by the staging store's
	// find and modify endpoints.
	ProjectNameNickname = "UCLHPIXLProjectName"
)
