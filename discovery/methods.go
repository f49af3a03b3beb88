package discovery

import (
	"context"
	"encoding/json"
	"errors"

	"chanrpc/message"
	"chanrpc/registry"
	"chanrpc/transport"
)

// Methods exposed by the discovery service.
const (
	MethodSetServiceBulk        = "set_service_bulk"
	MethodGetService            = "get_service"
	MethodGetRegisteredServices = "get_registered_services"
	MethodGetServicesNames      = "get_services_names"
	MethodRemoveService         = "remove_service"
)

const serviceDoesNotExistType = "ServiceDoesNotExist"

type errorData struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// methods are registered through server.RegisterReceiver, each under its snake_case name
type methods struct {
	service *Service
}

type noParams struct{}

type setServiceBulkParams struct {
	Name     string            `json:"name"`
	Networks registry.Networks `json:"networks"`
}

type getServiceParams struct {
	Name     string   `json:"name"`
	Network  string   `json:"network"`
	Networks []string `json:"networks"`
}

type removeServiceParams struct {
	Name string `json:"name"`
}

func (m *methods) SetServiceBulk(ctx context.Context, params *setServiceBulkParams) (any, error) {
	return nil, m.service.RegisterOrUpdate(ctx, params.Name, params.Networks)
}

func (m *methods) GetService(ctx context.Context, params *getServiceParams) (registry.Networks, error) {
	networks := params.Networks
	if params.Network != "" {
		networks = append(networks, params.Network)
	}

	service, err := m.service.GetService(ctx, params.Name, networks...)
	if err != nil {
		return nil, encodeServiceDoesNotExist(err)
	}
	return service, nil
}

func (m *methods) GetRegisteredServices(ctx context.Context, params *noParams) (map[string]registry.Networks, error) {
	return m.service.GetServices(ctx)
}

func (m *methods) GetServicesNames(ctx context.Context, params *noParams) ([]string, error) {
	return m.service.Names(ctx)
}

func (m *methods) RemoveService(ctx context.Context, params *removeServiceParams) (any, error) {
	return nil, m.service.RemoveService(ctx, params.Name)
}

// encodeServiceDoesNotExist turns a missing service into an error reply callers can tell apart
func encodeServiceDoesNotExist(err error) error {
	var doesNotExist *registry.ServiceDoesNotExistError
	if !errors.As(err, &doesNotExist) {
		return err
	}

	data, marshalErr := json.Marshal(errorData{Type: serviceDoesNotExistType, Name: doesNotExist.Name})
	if marshalErr != nil {
		return err
	}
	return &message.ErrorInfo{Message: doesNotExist.Error(), Data: data}
}

// decodeServiceDoesNotExist maps an error reply of get_service back to
// *registry.ServiceDoesNotExistError. Other errors are returned as is.
func decodeServiceDoesNotExist(err error) error {
	var requestError *transport.RequestError
	if !errors.As(err, &requestError) || requestError.Info == nil || len(requestError.Info.Data) == 0 {
		return err
	}

	data := errorData{}
	if json.Unmarshal(requestError.Info.Data, &data) != nil || data.Type != serviceDoesNotExistType {
		return err
	}
	return &registry.ServiceDoesNotExistError{Name: data.Name}
}
