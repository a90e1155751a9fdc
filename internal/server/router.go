package server

import (
	"github.com/gin-gonic/gin"
)

// Registrar is implemented by every route module.
type Registrar interface{ Register(r *gin.Engine) }

var registrars []Registrar

// Register adds modules to the set mounted by Mount.
func Register(rs ...Registrar) { registrars = append(registrars, rs...) }

// Mount attaches every registered module to r.
func Mount(r *gin.Engine) {
	for _, rg := range registrars {
		rg.Register(r)
	}
}

func New() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger())
	return r
}
