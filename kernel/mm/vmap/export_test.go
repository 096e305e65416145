package vmap

// ZeroFn lets external tests replace the function that clears new mappings.
var ZeroFn = &zeroFn
