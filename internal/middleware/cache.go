package middleware

import "net/http"

// NoStore keeps personal and pre-publication data out of shared caches.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// PublicCache marks anonymous report reads as briefly cacheable once the
// status is known. Errors and responses to authenticated viewers stay
// private since their kommun may differ.
func PublicCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Authorization")
		next.ServeHTTP(&cacheWriter{ResponseWriter: w, public: UserFromContext(r.Context()) == nil}, r)
	})
}

type cacheWriter struct {
	http.ResponseWriter
	public bool
	wrote  bool
}

func (w *cacheWriter) WriteHeader(status int) {
	if !w.wrote {
		w.wrote = true
		if w.public && status < http.StatusBadRequest {
			w.Header().Set("Cache-Control", "public, max-age=60")
		} else {
			w.Header().Set("Cache-Control", "private, no-store")
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *cacheWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *cacheWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
