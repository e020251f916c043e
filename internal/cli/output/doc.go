// Package output renders snapinspect results.
//
// Three formats are supported: an aligned text table (the default), JSON
// and YAML. Table rendering works on slices of structs, single structs and
// maps. Struct fields are named after their json tag; a `table:"-"` tag
// hides a field and `table:"wide"` shows it only in wide mode.
package output
