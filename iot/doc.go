// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device state and telemetry backbone of canopy

Devices belong to tenants and talk to canopy either through the MQTT broker
(package broker) or through the RESTful api (package api). Both transports feed
the same processor (package processor), which authenticates devices (auth),
throttles them (ratelimit), keeps their shadow documents (shadow) and extracts
metrics from their telemetry (telemetry). Everything is persisted through the
storage interfaces of package store.

This package holds the identity types, the data model and the errors shared by
all of them.
*/
package iot
